// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package multiplexer

import (
	"errors"
	"sync"
)

var (
	ErrClosed         = errors.New("multiplexer has been closed")
	ErrReceiverExists = errors.New("receiver with that name already exists")
)

type OneToMany[T any] struct {
	inbound   chan T
	outbound  map[string]chan T // Use map here to give names to outbound channels
	lock      sync.Mutex
	closeChan chan any
	done      chan any
	closed    bool
}

func NewOneToMany[T any]() *OneToMany[T] {
	return &OneToMany[T]{
		inbound:   make(chan T),
		outbound:  make(map[string]chan T),
		closeChan: make(chan any),
		done:      make(chan any),
	}
}

// Get the channel to send things into
func (o *OneToMany[T]) GetSender() chan<- T {
	return o.inbound
}

// Create a new receiver for the multiplexer to send messages to.
// buffer is the capacity of the receiver. Receivers that are full when a message comes in miss it,
// so one slow receiver can't stall the others.
// Please do not close this manually, instead use the CloseReceiver func
func (o *OneToMany[T]) MakeReceiver(name string, buffer int) (<-chan T, error) {
	o.lock.Lock()
	defer o.lock.Unlock()

	if o.closed {
		return nil, ErrClosed
	}
	if _, ok := o.outbound[name]; ok {
		return nil, ErrReceiverExists
	}
	rec := make(chan T, buffer)
	o.outbound[name] = rec
	return rec, nil
}

// Closes a receiver channel with the given name and removes it from the multiplexer
func (o *OneToMany[T]) CloseReceiver(name string) {
	o.lock.Lock()
	defer o.lock.Unlock()
	if o.closed {
		return
	}
	if val, ok := o.outbound[name]; ok {
		close(val)
		delete(o.outbound, name)
	}
}

// Start this one to many multiplexer
// intended to run as a goroutine (`go plexer.StartPlexer()`)
func (o *OneToMany[T]) StartPlexer() {
	defer close(o.done)
	for {
		select {
		// Message gotten from inbound channel
		case msg := <-o.inbound:
			o.lock.Lock()
			// Send it to all outbound channels that have room for it
			for _, c := range o.outbound {
				select {
				case c <- msg:
				default:
				}
			}
			o.lock.Unlock()
		// Told to close the plexer including sender
		case <-o.closeChan:
			o.lock.Lock()
			// Readers will just stop once their channel is closed
			for name, c := range o.outbound {
				close(c)
				delete(o.outbound, name)
			}
			o.closed = true
			o.lock.Unlock()
			return
		}
	}
}

// Close all receiver channels, mark the plexer as closed and stop the distribution goroutine.
// The sender channel stays open so late senders block instead of panicking, don't send after this.
// Blocks until the distribution goroutine is gone, so StartPlexer must be running.
func (o *OneToMany[T]) CloseSender() {
	o.closeChan <- 1
	<-o.done
}
