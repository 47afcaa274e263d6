// Package rollout validates rollout plans and applies operations across
// server groups according to them.
//
// A plan document looks like:
//
//	{"rollout-plan": {
//	    "in-series": [
//	        {"server-group": {"main-server-group": {"rolling-to-servers": true}}},
//	        {"concurrent-groups": {
//	            "a": {"max-failed-servers": 1},
//	            "b": {"max-failure-percentage": 20}
//	        }}
//	    ],
//	    "rollback-across-groups": true
//	}}
//
// Steps run in series; groups of a concurrent step run in parallel and the
// step resolves only when all of them have. A group fails when its failed
// servers exceed a threshold it sets, or, with no threshold set, when any
// server fails. After a failed step the servers that applied the operation in
// the failing groups are compensated, and with rollback-across-groups so is
// every group that already succeeded, in reverse completion order.
package rollout
