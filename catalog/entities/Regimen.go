package entities

// NadirWindow is an inclusive day range within a cycle. {0,0} means the
// regimen has no significant nadir.
type NadirWindow struct {
	Start int `json:"start" yaml:"start"`
	End   int `json:"end" yaml:"end"`
}

// IsNone reports whether the window is the "no significant nadir" sentinel.
func (w NadirWindow) IsNone() bool {
	return w.Start == 0 && w.End == 0
}

// Contains reports whether day falls inside the window. The sentinel window
// contains no day.
func (w NadirWindow) Contains(day int) bool {
	if w.IsNone() {
		return false
	}
	return day >= w.Start && day <= w.End
}

// Regimen is a named chemotherapy protocol. DrugComposition holds drug names
// exactly as clinical staff authored them, which need not match any module's
// canonical name.
type Regimen struct {
	RegimenCode     string      `json:"regimenCode" yaml:"regimen_code"`
	RegimenName     string      `json:"regimenName" yaml:"regimen_name"`
	DrugComposition []string    `json:"drugComposition" yaml:"drug_composition"`
	CycleLengthDays int         `json:"cycleLengthDays" yaml:"cycle_length_days"`
	NadirWindow     NadirWindow `json:"nadirWindow" yaml:"nadir_window"`
}

// TreatmentContext is supplied by the caller for each generation request.
type TreatmentContext struct {
	PatientID          string `json:"patientId"`
	RegimenCode        string `json:"regimenCode"`
	CurrentCycleNumber int    `json:"currentCycleNumber"`
	DayInCycle         int    `json:"dayInCycle"`
}
