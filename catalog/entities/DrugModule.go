package entities

// DrugModule maps one chemotherapy drug to the symptom items it contributes.
// AlternativeNames are matched case-insensitively against regimen compositions.
type DrugModule struct {
	CanonicalName    string         `json:"canonicalName" yaml:"canonical_name"`
	AlternativeNames []string       `json:"alternativeNames" yaml:"alternative_names"`
	Items            []ItemTemplate `json:"items" yaml:"items"`
}

// ItemTemplate is one questionnaire question owned by a drug module.
// ItemCode follows <SYMPTOM_ROOT>_<SUFFIX>, the suffix being optional.
type ItemTemplate struct {
	ItemCode  string `json:"itemCode" yaml:"item_code"`
	Attribute string `json:"attribute" yaml:"attribute"`
	DrugOwner string `json:"drugOwner" yaml:"-"`
}
