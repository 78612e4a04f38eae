// Package metric provides the Prometheus metrics registry for the server.
//
// Components accept a *MetricsRegistry dependency and treat a nil registry
// as metrics disabled, so tests and minimal deployments pay no metrics
// cost. Core server metrics (connections, fan-out, hardware link,
// backplane) are pre-registered; components register their own collectors
// through RegisterCollector under a component.metric key.
package metric
