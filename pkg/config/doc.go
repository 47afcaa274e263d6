// Package config loads everything dkctl reads from disk: process settings
// (viper), the domain topology (YAML), rollout plan documents (JSON or CUE)
// and transformer rule files whose predicates are Starlark expressions.
// TopologyWatcher reloads the topology when its file changes.
package config
