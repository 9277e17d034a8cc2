package service

import (
	"sync"
	"time"
)

// DefaultTypingWindow matches the receiver-side presence TTL.
const DefaultTypingWindow = 3 * time.Second

// TypingDebouncer turns keystroke-level input activity into at most one
// typing:true per burst and one typing:false per lull. Wire it to
// Service.NotifyTyping.
type TypingDebouncer struct {
	mx     sync.Mutex
	window time.Duration
	notify func(bool)
	timer  *time.Timer
	active bool
}

func NewTypingDebouncer(window time.Duration, notify func(bool)) *TypingDebouncer {
	if window <= 0 {
		window = DefaultTypingWindow
	}
	return &TypingDebouncer{
		window: window,
		notify: notify,
	}
}

// Keystroke signals true on the first stroke of a burst and re-arms the
// stop timer on every stroke after it.
func (d *TypingDebouncer) Keystroke() {
	d.mx.Lock()
	defer d.mx.Unlock()

	if !d.active {
		d.active = true
		d.notify(true)
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.expire)
}

func (d *TypingDebouncer) expire() {
	d.mx.Lock()
	defer d.mx.Unlock()

	if !d.active {
		return
	}
	d.active = false
	d.notify(false)
}

// Flush signals false immediately. Called on message send.
func (d *TypingDebouncer) Flush() {
	d.mx.Lock()
	defer d.mx.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if d.active {
		d.active = false
		d.notify(false)
	}
}

// Stop cancels the pending timer without signaling. Used on teardown.
func (d *TypingDebouncer) Stop() {
	d.mx.Lock()
	defer d.mx.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.active = false
}
