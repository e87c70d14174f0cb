// Package grid defines the pipeline model shared by every node of the grid
// (tasks, stages, pipelines and the persisted stage pointer) together with the
// cluster capabilities the coordinator consumes.
package grid
