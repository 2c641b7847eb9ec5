package dmamap

// SplitAtBoundaries cuts each segment at every no-cross boundary it
// straddles, so per-segment constraint checks (and the device) only ever
// see extents that stay on one side of the boundary. Segments that do not
// straddle one pass through unchanged.
func SplitAtBoundaries(in []Segment, c Constraints) []Segment {
	if c.NoCrossMask == 0 {
		return in
	}
	span := uint64(c.NoCrossMask) + 1

	out := make([]Segment, 0, len(in))
	for _, s := range in {
		for s.Len > 0 {
			next := (uint64(s.Phys)/span + 1) * span
			room := int(next - uint64(s.Phys))
			if room >= s.Len {
				out = append(out, s)
				break
			}
			out = append(out, Segment{Phys: s.Phys, Len: room})
			s = Segment{Phys: s.Phys + uint32(room), Len: s.Len - room}
		}
	}
	return out
}

// Coalesce merges only strictly adjacent physical segments, never across a
// gap, and never past a per-descriptor limit or the device's no-cross
// boundary. The output's total size always equals the input's: one
// descriptor per physically-adjacent run rather than one per buffer, the
// same chained-descriptor idea VirtIO and ENET buffer-descriptor rings use
// for their own per-slot accounting.
func Coalesce(in []Segment, c Constraints) []Segment {
	const perDescriptorLimit = 1 << 16

	if len(in) == 0 {
		return nil
	}

	out := make([]Segment, 0, len(in))
	cur := in[0]

	for _, next := range in[1:] {
		adjacent := cur.Phys+uint32(cur.Len) == next.Phys
		merged := cur.Len + next.Len

		if adjacent &&
			merged <= perDescriptorLimit &&
			!c.crossesBoundary(cur.Phys, merged) {
			cur.Len = merged
			continue
		}

		out = append(out, cur)
		cur = next
	}
	out = append(out, cur)

	return out
}
