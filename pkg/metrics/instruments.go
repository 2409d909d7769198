package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Instruments bundles the orchestrator's well-known metric families so the
// components share one set of handles instead of re-registering by name.
type Instruments struct {
	VNFInstances      *prometheus.GaugeVec     // vnf_instances_total{vnf_type}
	VNFCPUUsage       *prometheus.GaugeVec     // vnf_cpu_usage{vnf_type,instance_id}
	VNFMemoryUsage    *prometheus.GaugeVec     // vnf_memory_usage{vnf_type,instance_id}
	ProcessingLatency *prometheus.HistogramVec // vnf_processing_latency{vnf_type,instance_id}
	ScalingActions    *prometheus.CounterVec   // scaling_actions_total{vnf_type,action}
	ForecastAccuracy  *prometheus.HistogramVec // forecast_accuracy{vnf_type,metric}
	SFCRequests       *prometheus.CounterVec   // sfc_requests_total{outcome}
	EpisodeReward     *prometheus.GaugeVec     // drl_episode_reward
}

// NewInstruments registers the full instrument set. Any schema mismatch is
// fatal during startup, which is the only place this is called.
func NewInstruments(r *Registry) (*Instruments, error) {
	ins := &Instruments{}
	var err error

	if ins.VNFInstances, err = r.GetOrCreateGauge("vnf_instances_total",
		[]string{"vnf_type"}, "Running VNF instances per type"); err != nil {
		return nil, err
	}
	if ins.VNFCPUUsage, err = r.GetOrCreateGauge("vnf_cpu_usage",
		[]string{"vnf_type", "instance_id"}, "CPU usage per VNF instance"); err != nil {
		return nil, err
	}
	if ins.VNFMemoryUsage, err = r.GetOrCreateGauge("vnf_memory_usage",
		[]string{"vnf_type", "instance_id"}, "Memory usage per VNF instance"); err != nil {
		return nil, err
	}
	if ins.ProcessingLatency, err = r.GetOrCreateHistogram("vnf_processing_latency",
		[]string{"vnf_type", "instance_id"}, "Processing latency per VNF instance"); err != nil {
		return nil, err
	}
	if ins.ScalingActions, err = r.GetOrCreateCounter("scaling_actions_total",
		[]string{"vnf_type", "action"}, "Scaling actions taken per type"); err != nil {
		return nil, err
	}
	if ins.ForecastAccuracy, err = r.GetOrCreateHistogram("forecast_accuracy",
		[]string{"vnf_type", "metric"}, "Forecast accuracy per type and metric"); err != nil {
		return nil, err
	}
	if ins.SFCRequests, err = r.GetOrCreateCounter("sfc_requests_total",
		[]string{"outcome"}, "Chain requests by outcome"); err != nil {
		return nil, err
	}
	if ins.EpisodeReward, err = r.GetOrCreateGauge("drl_episode_reward",
		nil, "Reward accumulated over the last agent episode"); err != nil {
		return nil, err
	}
	return ins, nil
}
