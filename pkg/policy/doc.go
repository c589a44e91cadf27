// Package policy provides admission control for jobs using Open Policy Agent
// (OPA) Rego policies.
//
// The Engine implements engine.Admitter. Before a job is accepted the engine
// builds an Input document from the job name, its object references and the
// shape of its root graph, then evaluates the deny set of every enabled
// policy:
//
//	package conductor.admission.naming
//
//	import rego.v1
//
//	deny contains violation if {
//		trim_space(input.name) == ""
//		violation := {"message": "job name must not be empty"}
//	}
//
// A deny member may be a string or an object with message, severity and
// reference fields. Violations whose severity is error or critical reject
// the job with an ADMISSION_DENIED error; info and warning violations are
// logged and the job proceeds.
//
// # Built-in Policies
//
//   - job-naming: jobs need a name of at most 200 characters
//   - task-limit: the root graph may not exceed Config.MaxTasks nodes
//   - reference-kinds: references must use a known kind and a positive id
//   - unscoped-job: warns about jobs that claim no references
//
// # Loading Policies
//
// Additional policies are read from Config.Paths. A .rego file becomes a
// policy named after the file; a "# severity: error" comment makes it
// blocking. A .yaml file carries name, description, severity and rego keys.
// With Config.Watch set, Engine.Watch reloads the paths when they change.
package policy
