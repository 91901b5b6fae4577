package driver

// Close terminates the subprocess. Termination is two-stage: a soft
// terminate signal to the whole process group, then a forced kill of the
// group after a bounded grace period if it is still alive.
func (d *Driver) Close() error {
	d.markDead(nil)
	return d.transport.kill(terminationGrace)
}
