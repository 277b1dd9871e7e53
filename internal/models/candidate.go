package models

// Candidate is an event time flagged by at least two fold pairs.
type Candidate struct {
	ID         string          `json:"id,omitempty"`
	Time       float64         `json:"time"`
	NumPoints  int             `json:"num_points"`
	SectID     int             `json:"sect_id"`
	MeanFactor float64         `json:"mean_factor"`
	Factors    []float64       `json:"factors"`
	Meta       Meta            `json:"meta"`
	Neighbor   InjectionRecord `json:"nn"`
}
