package nv

// CanBeSaturated reports whether the value lies outside of known limits
func (t *Tree) CanBeSaturated(p *Parameter) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	value := p.slots[Value]
	lo, hi, ok := p.limits()
	return ok && value.valid && (value.value < lo || value.value > hi)
}

// Saturate clamps the value into the known limits
func (t *Tree) Saturate(p *Parameter) bool {
	if !t.CanBeSaturated(p) {
		return false
	}
	t.mu.Lock()
	lo, hi, _ := p.limits()
	value := p.slots[Value].value
	t.mu.Unlock()
	if value < lo {
		value = lo
	} else if value > hi {
		value = hi
	}
	return t.SetMeta(p, Value, value, false) == nil
}

func (t *Tree) resetValue(p *Parameter) (float64, bool) {
	if s := p.slots[UserDefault]; s.valid {
		return s.value, true
	}
	if s := p.slots[FactoryDefault]; s.valid {
		return s.value, true
	}
	return 0, false
}

// CanBeReset reports whether a default differing from the value is known
func (t *Tree) CanBeReset(p *Parameter) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	reset, ok := t.resetValue(p)
	value := p.slots[Value]
	return ok && (!value.valid || value.value != reset)
}

// Reset sets the value to the user default, else the factory default
func (t *Tree) Reset(p *Parameter) bool {
	if !t.CanBeReset(p) {
		return false
	}
	t.mu.Lock()
	reset, _ := t.resetValue(p)
	t.mu.Unlock()
	return t.SetMeta(p, Value, reset, false) == nil
}

func (t *Tree) CanBeCleared(p *Parameter) bool {
	_, valid := t.Get(p, Value)
	return valid
}

// Clear forgets the value
func (t *Tree) Clear(p *Parameter) bool {
	if !t.CanBeCleared(p) {
		return false
	}
	t.Invalidate(p, Value)
	return true
}

// HasFactory reports whether any parameter is restricted to factory access
func (t *Tree) HasFactory() bool {
	for _, p := range t.parameters {
		if p.Factory {
			return true
		}
	}
	return false
}
