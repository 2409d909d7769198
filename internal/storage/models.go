package storage

import (
	"time"
)

// DecisionRecord is one persisted scaling decision.
type DecisionRecord struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	VNFType    string    `json:"vnf_type"`
	Action     string    `json:"action"`
	Reason     string    `json:"reason"`
	Confidence float64   `json:"confidence"`
	Executed   bool      `json:"executed"`
	CreatedAt  time.Time `json:"created_at"`
}

// ChainRecord is one persisted chain-request outcome.
type ChainRecord struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	ChainID   string    `json:"chain_id"`
	Category  string    `json:"category"`
	Outcome   string    `json:"outcome"`
	Hops      int       `json:"hops"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
}

// MetricPoint is one persisted aggregated metric sample.
type MetricPoint struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	VNFType   string    `json:"vnf_type"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// DecisionStats summarizes recent decisions.
type DecisionStats struct {
	Total    int64 `json:"total"`
	Executed int64 `json:"executed"`
	ScaleOut int64 `json:"scale_out"`
	ScaleIn  int64 `json:"scale_in"`
}
