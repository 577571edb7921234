package provider

// bowerMaxPrice caps what Bower may charge for a number.
const bowerMaxPrice = "100"

// NewBower creates the Bower adapter.
func NewBower(cfg Config) *ActivationAPI {
	return newActivationAPI(VendorBower, dialect{
		baseURL:         "https://smsbower.com/stubs/handler_api.php",
		country:         "22",
		numberParams:    map[string]string{"maxPrice": bowerMaxPrice},
		parseOffers:     parseCostCount,
		cancelConfirmed: containsCancel,
	}, cfg)
}
