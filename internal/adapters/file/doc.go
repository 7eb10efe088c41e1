// Package file provides filesystem continuation and run stores with atomic
// writes, for single-host deployments that need to survive restarts.
package file
