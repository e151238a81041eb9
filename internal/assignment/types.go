package assignment

// Record binds one smart plug to a piece of clinic equipment and the cloud
// account whose relay credential fronts it. Records mirror the clinic
// application's registry; this core never invents or edits them.
type Record struct {
	DeviceID    string `json:"device_id"`
	EquipmentID string `json:"equipment_id"`
	ClinicID    string `json:"clinic_id"`
	AccountID   string `json:"account_id"`
}
