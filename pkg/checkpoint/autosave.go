package checkpoint

import "time"

// EnableAutosave arranges for onSave to be called with the encoded
// checkpoint at most delay after it changes. Saves never overlap: the owner
// must call SaveCompleted once a save has been acknowledged, and a change
// arriving meanwhile triggers another save straight after.
func (c *Checkpointer) EnableAutosave(delay time.Duration, onSave func(data []byte)) {
	if delay <= 0 {
		delay = DefaultSaveDelay
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autosave = true
	c.saveDelay = delay
	c.onSave = onSave
	if c.changed {
		c.armTimerLocked()
	}
}

// StopAutosave cancels any pending autosave timer. It does not interrupt a
// save already handed to the callback.
func (c *Checkpointer) StopAutosave() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autosave = false
	c.stopTimerLocked()
}

// IsUnsaved reports whether there are changes not yet acknowledged as saved.
func (c *Checkpointer) IsUnsaved() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed || c.saving
}

// Save hands the current checkpoint to the autosave callback now. It returns
// false if there is nothing to save, no callback, or a save is already in
// progress (in which case another one follows SaveCompleted).
func (c *Checkpointer) Save() bool {
	c.mu.Lock()
	if !c.changed || c.onSave == nil {
		c.mu.Unlock()
		return false
	}
	if c.saving {
		c.overdue = true
		c.mu.Unlock()
		return false
	}
	c.stopTimerLocked()
	c.changed = false
	c.saving = true
	c.overdue = false
	data := c.checkpoint.Encode(c.clock.Now())
	onSave := c.onSave
	c.mu.Unlock()

	onSave(data)
	return true
}

// SaveCompleted acknowledges the save started by the last successful Save.
// If the checkpoint changed while it was in flight it is saved again.
func (c *Checkpointer) SaveCompleted() {
	c.mu.Lock()
	if !c.saving {
		c.mu.Unlock()
		return
	}
	c.saving = false
	overdue := c.overdue
	c.overdue = false
	c.mu.Unlock()

	if overdue {
		c.Save()
	}
}

// SaveFailed is SaveCompleted for a save that did not stick: the state is
// marked changed again so a later save retries it.
func (c *Checkpointer) SaveFailed() {
	c.mu.Lock()
	if !c.saving {
		c.mu.Unlock()
		return
	}
	c.saving = false
	c.overdue = false
	c.markChangedLocked()
	c.mu.Unlock()
}

func (c *Checkpointer) markChangedLocked() {
	c.changed = true
	if !c.autosave {
		return
	}
	if c.saving {
		c.overdue = true
		return
	}
	c.armTimerLocked()
}

func (c *Checkpointer) armTimerLocked() {
	if c.timer != nil {
		return
	}
	c.timerGen++
	gen := c.timerGen
	c.timer = c.clock.AfterFunc(c.saveDelay, func() {
		c.mu.Lock()
		if c.timerGen != gen || c.timer == nil {
			c.mu.Unlock()
			return
		}
		c.timer = nil
		c.mu.Unlock()
		c.Save()
	})
}

func (c *Checkpointer) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerGen++
}
