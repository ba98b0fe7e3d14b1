package models

// PanelistStream pairs a panelist identity with its live chunk source.
// The fair merger consumes these; the stream must obey the single-terminal
// and strict-seq contracts of DomainChunk.
type PanelistStream struct {
	PanelistID  string
	DisplayName string
	// Priority weights scheduling; values below 1 are treated as 1.
	Priority int
	Stream   <-chan *DomainChunk
}

// EffectivePriority clamps Priority to the valid range.
func (p *PanelistStream) EffectivePriority() int {
	if p.Priority < 1 {
		return 1
	}
	return p.Priority
}
