package gbf

// EventPhase names the stage of an encode/decode/rekey operation an Event
// describes.
type EventPhase string

const (
	PhaseEncodeCluster EventPhase = "encode_cluster"
	PhaseDecodeCluster EventPhase = "decode_cluster"
	PhaseRekey         EventPhase = "rekey"
)

// Event is reported to a progress.Tracker once per cluster processed by
// Encode or Decode (Rekey reports no events, so PhaseRekey is never
// emitted), mirroring the teacher's per-package Event
// pattern: a Phase discriminator plus whatever counters are meaningful for
// that phase.
type Event struct {
	Phase EventPhase

	ClusterIndex int
	ClusterTotal int

	// Skipped is set on PhaseDecodeCluster when the differential-write
	// check found the destination block already correct.
	Skipped bool
}
