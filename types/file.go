//nolint:revive // types is a common Go package naming convention
package types

// Operation is the file driver sub-protocol tag.
type Operation string

// Operation constants. The string value is the on-wire tag (%read, %write).
const (
	OperationRead  Operation = "read"
	OperationWrite Operation = "write"
)

// IsValid returns true if op is a known file operation.
func (op Operation) IsValid() bool {
	return op == OperationRead || op == OperationWrite
}

// FileRequest is a decoded file effect.
//
// Variants:
//   - Read: Op == OperationRead, Path set
//   - Write: Op == OperationWrite, Path and Contents set
//   - Unrecognized: Op == "" (any effect not matching the two known shapes)
type FileRequest struct {
	// Op is the requested operation, empty for Unrecognized.
	Op Operation
	// Path is the UTF-8 target path.
	Path string
	// Contents is the opaque payload of a write.
	Contents []byte
}

// Unrecognized is the request variant for effects that are not file
// read/write effects. Unrecognized effects are dropped without a response.
var Unrecognized = FileRequest{}

// ReadRequest returns a Read request.
func ReadRequest(path string) FileRequest {
	return FileRequest{Op: OperationRead, Path: path}
}

// WriteRequest returns a Write request.
func WriteRequest(path string, contents []byte) FileRequest {
	return FileRequest{Op: OperationWrite, Path: path, Contents: contents}
}

// IsRecognized returns true for Read and Write requests.
func (r FileRequest) IsRecognized() bool {
	return r.Op.IsValid()
}

// FileResponse is the outcome of a file request, encoded into a poke.
//
// Variants:
//   - ReadOk: Op == OperationRead, Success, Contents set
//   - ReadErr: Op == OperationRead, !Success, no payload
//   - WriteResult: Op == OperationWrite, Path and Contents echoed, Success flag
type FileResponse struct {
	Op       Operation
	Success  bool
	Path     string
	Contents []byte
}

// ReadOk returns a successful read response.
func ReadOk(contents []byte) FileResponse {
	return FileResponse{Op: OperationRead, Success: true, Contents: contents}
}

// ReadErr returns a failed read response. It carries no payload.
func ReadErr() FileResponse {
	return FileResponse{Op: OperationRead}
}

// WriteResult returns a write response echoing the request.
func WriteResult(path string, contents []byte, success bool) FileResponse {
	return FileResponse{Op: OperationWrite, Success: success, Path: path, Contents: contents}
}

// DriverMeta identifies a driver instance in logs and metrics.
type DriverMeta struct {
	// Source is the driver namespace, always FileSource for this driver.
	Source string
	// InstanceID distinguishes driver processes sharing a log sink.
	InstanceID string
}
