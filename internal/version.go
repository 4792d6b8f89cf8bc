package internal

// Version is reported by /healthz and the client header.
const Version = "0.4.0"
