// Package telemetry provides logging, tracing, metrics and event publishing
// for the domain kernel.
//
// # Architecture
//
//  1. Structured logging with zerolog, with helpers for operation ids,
//     resource addresses, rollout ids and server groups
//  2. Tracing with OpenTelemetry: spans per operation batch, pipeline stage,
//     rollout, in-series step, server group and server dispatch
//  3. Prometheus metrics on a private registry
//  4. An event publisher for operation outcomes, rollout milestones and
//     service lifecycle transitions; the store persists these
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// Components take the pieces they use. Metrics, Tracer and EventPublisher are
// nil-safe, so a component built without telemetry records nothing.
//
// # Metrics
//
//   - domainkernel_operations_total{kind,outcome}
//   - domainkernel_operation_duration_seconds{kind}
//   - domainkernel_operation_stage_failures_total{stage}
//   - domainkernel_rollouts_total{outcome}
//   - domainkernel_rollout_duration_seconds{outcome}
//   - domainkernel_server_group_outcomes_total{outcome}
//   - domainkernel_server_dispatches_total{outcome}
//   - domainkernel_running_services
//   - domainkernel_capability_errors_total{code}
//   - domainkernel_errors_by_class_total{class}
//
// # Exporters
//
//   - "stdout": pretty-printed spans (development)
//   - "otlp": OTLP over gRPC to a collector
//   - "none": spans are created but not exported
package telemetry
