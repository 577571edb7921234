package provider

// NewTiger creates the Tiger adapter.
func NewTiger(cfg Config) *ActivationAPI {
	return newActivationAPI(VendorTiger, dialect{
		baseURL:         "https://api.tiger-sms.com/stubs/handler_api.php",
		country:         "22",
		numberParams:    map[string]string{"ref": "Nothing"},
		parseOffers:     parseCostCount,
		cancelConfirmed: containsCancel,
	}, cfg)
}
