package engine

// TagCreateRequest holds fields for creating a new tag.
type TagCreateRequest struct {
	Name         string      `json:"name"`
	Type         string      `json:"type"`
	InitialValue interface{} `json:"initial_value,omitempty"`
	Simulate     bool        `json:"simulate"`
	SimType      string      `json:"simulation_type,omitempty"`
	Min          *float64    `json:"min,omitempty"`
	Max          *float64    `json:"max,omitempty"`
	Increment    float64     `json:"increment,omitempty"`
	ResetOnMax   bool        `json:"reset_on_max,omitempty"`
	Period       int         `json:"period,omitempty"`
	Description  string      `json:"description,omitempty"`
	Units        string      `json:"units,omitempty"`
	Category     string      `json:"category,omitempty"`
	Writable     bool        `json:"writable,omitempty"`
}

// TagUpdateRequest holds fields for partially updating a tag's
// simulation settings. Nil fields keep their current values.
type TagUpdateRequest struct {
	Simulate   *bool    `json:"simulate,omitempty"`
	SimType    *string  `json:"simulation_type,omitempty"`
	Min        *float64 `json:"min,omitempty"`
	Max        *float64 `json:"max,omitempty"`
	Increment  *float64 `json:"increment,omitempty"`
	ResetOnMax *bool    `json:"reset_on_max,omitempty"`
	Period     *int     `json:"period,omitempty"`
}

// TagMetadataRequest holds fields for partially updating a tag's
// descriptive metadata. Nil fields keep their current values.
type TagMetadataRequest struct {
	Description *string `json:"description,omitempty"`
	Units       *string `json:"units,omitempty"`
	Category    *string `json:"category,omitempty"`
	Writable    *bool   `json:"writable,omitempty"`
}

// BulkResult reports the outcome for one tag in a bulk create.
type BulkResult struct {
	Name string `json:"name"`
	OK   bool   `json:"ok"`
	Err  string `json:"error,omitempty"`
}
