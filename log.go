package taskdeck

// Logging convention in the `taskdeck` package, via github.com/golang/glog:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - session expiry and forced logout
//     - push channel connect failures and reconnects
//     - optimistic rollbacks
// Error:
//     unrecoverable crash details
// Debug (glog.V(2)):
//     key events for trace debugging and statistics
//     this includes:
//     - fetch issue/supersede/settle per query key
//     - mutation submit/confirm/rollback
//     - push channel frames
