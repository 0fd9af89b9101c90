// Package events provides the alert event type and emitter through which the
// error-handling subsystem surfaces alerting conditions (critical failures,
// error-rate thresholds) to external monitoring integrations without coupling
// to any delivery mechanism.
package events
