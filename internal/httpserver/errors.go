package httpserver

const (
	ErrBadForm          = "bad form"
	ErrInvalidSignature = "invalid signature"
	ErrNotReady         = "not ready"
)
