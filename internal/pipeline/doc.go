// Package pipeline drives grid pipelines. The elected coordinator walks the
// stages in order, persists the active stage pointer before each dispatch so
// a newly elected coordinator resumes where the last one stopped, and runs a
// stop monitor next to the stage loop. Every other node waits for the
// coordinator's completion broadcast.
package pipeline
