// Package ops provides small, standard-library flavored net/http handlers for operating task
// groups.
//
// ops is designed to be mounted into your own routing tree. It intentionally:
//   - does not choose routing paths (mount it anywhere),
//   - does not do authn/authz decisions (protect it with your own middleware),
//   - does not start servers or manage process lifecycle.
//
// # Formats
//
// Handlers support both text and JSON output. By default they render text.
// The default can be configured by options, and can be overridden per request by URL query:
//   - ?format=text
//   - ?format=json
//
// Text output is line-based and stable/greppable. JSON output is structured and suitable for tooling.
//
// # What ops provides
//
//   - TasksSnapshotHandler: status of every task object on a task.Group
//   - TaskCancelAllHandler: cancel the running and queued instances of a named task
//   - TaskScheduleHandler: change the schedule of a named task
//
// # Security notes
//
// Operational endpoints often expose sensitive information. Mount these handlers behind your own
// authentication/authorization middleware, and consider restricting write handlers with
// allowlists such as WithTaskAllow("public.*").
package ops
