package pipeline

import "context"

// directives is the disposition of the stage an execution is positioned on.
type directives struct {
	// skip leaves the stage's task undispatched.
	skip bool
	// markActive persists the stage as the resume point.
	markActive bool
	reason     string
}

// Skip reasons, also used as the note on STAGE_SKIPPED events.
const (
	reasonStopped      = "pipeline stop requested"
	reasonAlreadyRan   = "stage already ran"
	reasonUpstreamFail = "upstream stage failed"
	reasonOnlyIf       = "only_if condition not met"
)

// resolveDirectives decides how the current stage is handled. Rules apply in
// order and the first match wins:
//
//  1. stop requested
//  2. stage precedes the resume point
//  3. an earlier stage of this run failed
//  4. only_if evaluates false
//
// The first three skip the stage unless it is an always stage, which then
// runs without becoming the active stage. Rule 4 skips the stage but still
// marks it active so later resumes move past it. Anything else runs and is
// marked active.
func resolveDirectives(ctx context.Context, ex *execution) directives {
	stage := ex.stage()
	switch {
	case ex.stopped():
		return offTheBooks(stage.Always, reasonStopped)
	case ex.current < ex.start:
		return offTheBooks(stage.Always, reasonAlreadyRan)
	case ex.hasFailure():
		return offTheBooks(stage.Always, reasonUpstreamFail)
	case stage.OnlyIf != nil && !stage.OnlyIf(ctx):
		return directives{skip: true, markActive: true, reason: reasonOnlyIf}
	default:
		return directives{markActive: true}
	}
}

func offTheBooks(always bool, reason string) directives {
	if always {
		return directives{reason: reason}
	}
	return directives{skip: true, reason: reason}
}
