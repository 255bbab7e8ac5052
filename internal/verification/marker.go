package verification

// Marker is the trust badge shown next to a message
type Marker string

const (
	MarkerPending     Marker = "pending"
	MarkerCommitted   Marker = "committed"
	MarkerVerified    Marker = "verified"
	MarkerTEEVerified Marker = "tee_verified"
	MarkerUnconfirmed Marker = "unconfirmed"
	MarkerFailed      Marker = "failed"
	MarkerLocal       Marker = "local"
)

// DisplayMarker picks the badge for a message. A TEE-verified flag always wins
// over the status but never changes the status itself.
func DisplayMarker(status Status, fromUser bool, teeVerified bool) Marker {
	if teeVerified {
		return MarkerTEEVerified
	}

	switch status {
	case StatusPending:
		return MarkerPending
	case StatusCommitted:
		return MarkerCommitted
	case StatusVerified:
		return MarkerVerified
	case StatusFailed:
		// the request may still have reached the backend
		if fromUser {
			return MarkerUnconfirmed
		}
		return MarkerFailed
	case StatusLocalOnly:
		return MarkerLocal
	}
	return MarkerPending
}
