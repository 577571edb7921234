package domain

// DisplayPhone splits a vendor phone number into its country prefix and the
// 10-digit national part so the transport can render the copyable portion
// separately. Numbers with 10 or fewer characters have an empty prefix.
func DisplayPhone(phone string) (prefix, national string) {
	if len(phone) <= 10 {
		return "", phone
	}
	return phone[:len(phone)-10], phone[len(phone)-10:]
}

// MaskPhone returns phone with all but the last 4 characters hidden.
// Numbers of 4 characters or fewer are fully masked.
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return "***" + phone[len(phone)-4:]
}
