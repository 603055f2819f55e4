package sdcp

// ShouldAdoptIdentity reports whether an identity seen in inbound traffic should
// replace the current one. The candidate must differ from the mainboard id,
// be longer than MinIdentityLength and differ from the identity already held.
func ShouldAdoptIdentity(candidate, mainboardID, current string) bool {
	if candidate == "" || candidate == mainboardID {
		return false
	}
	if len(candidate) <= MinIdentityLength {
		return false
	}
	return candidate != current
}
