package device

// idGen hands out local session ids. Ids grow monotonically, skip 0 and
// skip any id that is still routed, so a retired id is not reused until the
// counter wraps. Callers hold Device.mu.
type idGen struct {
	last uint32
}

func (g *idGen) next(inUse func(uint32) bool) uint32 {
	for {
		g.last++
		if g.last != 0 && !inUse(g.last) {
			return g.last
		}
	}
}
