// Package strand provides a structured-concurrency runtime for Go.
// Tasks are lightweight cooperatively-scheduled units of work organized
// into a strict parent-child tree: a parent never becomes terminal while
// a child is still outstanding, cancellation is advisory until a task
// observes it at a suspension point, and failures propagate up the tree
// unless stopped by a supervisory edge.
package strand
