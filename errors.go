package betanet

import "fmt"

// ConnectionError reports a failure establishing or driving a transport
// session, with the operation that failed and the underlying cause.
//
// Example:
//
//	if _, err := Dial(ctx, conn, localPriv, remotePub); err != nil {
//	    var connErr *ConnectionError
//	    if errors.As(err, &connErr) {
//	        log.Printf("%s failed: %v", connErr.Op, connErr.Err)
//	    }
//	}
type ConnectionError struct {
	Op  string // "dial" or "accept"
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("betanet: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func newConnectionError(op string, err error) *ConnectionError {
	return &ConnectionError{Op: op, Err: err}
}
