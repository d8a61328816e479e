package indexer

// Phase is the step a sync cycle is in.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseFetchCount
	PhaseBuildBatch
	PhaseDecode
	PhaseScanVolume
	PhaseUpsert
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseFetchCount:
		return "fetch_count"
	case PhaseBuildBatch:
		return "build_batch"
	case PhaseDecode:
		return "decode"
	case PhaseScanVolume:
		return "scan_volume"
	case PhaseUpsert:
		return "upsert"
	default:
		return "unknown"
	}
}
