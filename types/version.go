package types

// Version is the canonical driver version.
// The CLI and the stream framing contract share this version.
const Version = "0.1.0"

// FrameContractVersion is the version of the stream framing contract in ipc.
// Kept in lockstep with Version.
const FrameContractVersion = "0.1.0"
