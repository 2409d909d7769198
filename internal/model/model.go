// Package model holds the shared records of the orchestrator: VNF types,
// instances, flow rules, chain requests and chain instances. Authoritative
// storage for each record lives in the component that owns it; everything
// here is passed by value or referenced by stable id.
package model

import (
	"time"
)

// VNFType tags a virtual network function. The set is closed at config load.
type VNFType string

const (
	VNFFirewall      VNFType = "firewall"
	VNFAntivirus     VNFType = "antivirus"
	VNFSpamFilter    VNFType = "spamfilter"
	VNFEncryption    VNFType = "encryption"
	VNFContentFilter VNFType = "contentfilter"
	VNFMail          VNFType = "mail"
)

// DefaultVNFTypes is the email-security catalogue used when the config does
// not override vnf_types.
var DefaultVNFTypes = []VNFType{
	VNFFirewall, VNFAntivirus, VNFSpamFilter, VNFEncryption, VNFContentFilter,
}

// InstanceState is the lifecycle state of a VNF instance.
type InstanceState string

const (
	StateStarting InstanceState = "starting"
	StateActive   InstanceState = "active"
	StateDraining InstanceState = "draining"
	StateRemoved  InstanceState = "removed"
)

// InstanceMetrics is the last-observed sample for one instance.
type InstanceMetrics struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	LatencyMs     float64   `json:"latency_ms"`
	Throughput    float64   `json:"throughput_rps"`
	ScrapedAt     time.Time `json:"scraped_at"`
}

// Instance is a running VNF.
type Instance struct {
	ID        string          `json:"id"`
	Type      VNFType         `json:"vnf_type"`
	State     InstanceState   `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
	Metrics   InstanceMetrics `json:"metrics"`
	// ScrapeAddr is where the instance exposes its text metrics endpoint.
	ScrapeAddr string `json:"scrape_addr,omitempty"`
}

// FlowRuleStatus is the state of a flow-steering rule.
type FlowRuleStatus string

const (
	FlowActive  FlowRuleStatus = "active"
	FlowRemoved FlowRuleStatus = "removed"
)

// FlowRule steers traffic of one VNF type to one instance.
type FlowRule struct {
	FlowID     string         `json:"flow_id"`
	Type       VNFType        `json:"vnf_type"`
	InstanceID string         `json:"instance_id"`
	Priority   int            `json:"priority"`
	Status     FlowRuleStatus `json:"status"`
	ChainID    string         `json:"chain_id,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ChainDirection is the traffic direction of an SFC request.
type ChainDirection string

const (
	DirectionInbound       ChainDirection = "inbound"
	DirectionOutbound      ChainDirection = "outbound"
	DirectionBidirectional ChainDirection = "bidirectional"
)

// RequestCategory classifies an email-security chain request.
type RequestCategory string

const (
	CategoryInboundUserProtection RequestCategory = "inbound_user_protection"
	CategoryOutboundCompliance    RequestCategory = "outbound_data_protection_compliance"
	CategoryAntiSpoofEnforcement  RequestCategory = "auth_and_anti_spoof_enforcement"
	CategoryAttachmentRisk        RequestCategory = "attachment_risk_reduction"
	CategoryBranchSaaSAccess      RequestCategory = "branch_cloud_saas_access"
)

// ChainRequest asks for one service function chain. Immutable once built.
type ChainRequest struct {
	RequestID string            `json:"request_id"`
	Category  RequestCategory   `json:"category"`
	Direction ChainDirection    `json:"direction"`
	Chain     []VNFType         `json:"chain"`
	Priority  int               `json:"priority"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// ChainStatus is the state of a realized chain.
type ChainStatus string

const (
	ChainActive   ChainStatus = "active"
	ChainFailed   ChainStatus = "failed"
	ChainTornDown ChainStatus = "torn-down"
)

// ChainInstance is a realized SFC: one instance per VNF type in the chain
// plus the flow rules that bind them. Cross-references are ids, never
// owning handles.
type ChainInstance struct {
	ChainID     string             `json:"chain_id"`
	Request     ChainRequest       `json:"request"`
	Instances   map[VNFType]string `json:"instances"`
	FlowRuleIDs []string           `json:"flow_rule_ids"`
	Status      ChainStatus        `json:"status"`
	StartedAt   time.Time          `json:"started_at"`
	StoppedAt   time.Time          `json:"stopped_at,omitempty"`
	LatencyMs   []float64          `json:"latency_ms,omitempty"`
}

// ScaleAction is what the control loop (or the agent) can do to one type.
type ScaleAction string

const (
	ActionAllocateNew ScaleAction = "allocate_new"
	ActionDrainOne    ScaleAction = "drain_one"
	ActionNoOp        ScaleAction = "no_op"
)
