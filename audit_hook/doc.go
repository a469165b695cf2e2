// Package audithook is a tenantflow extension that writes lifecycle events
// to an audit trail.
//
// Instance transitions, step assignments and outcomes, starvation and
// isolation violations are each recorded as an [AuditEvent] through the
// [Recorder] interface, tagged with the organization they belong to.
// Isolation violations are recorded at critical severity so they can be
// alerted on separately from ordinary failures.
//
// # Usage
//
//	eng, _ := engine.Build(rt,
//	    engine.WithExtension(audithook.New(audithook.LogRecorder(auditLogger))),
//	)
//
// # Selective filtering
//
//	audithook.New(recorder,
//	    audithook.WithActions(
//	        audithook.ActionInstanceFailed,
//	        audithook.ActionIsolationViolated,
//	    ),
//	)
package audithook
