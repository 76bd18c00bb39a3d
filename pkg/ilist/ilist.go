// Copyright 2024 The minirt Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ilist provides the implementation of an intrusive doubly-linked
// list. Entries are linked through an embedded Entry, so adding to or
// removing from a list never allocates. The kernel uses it for per-object
// wait lists, where allocation-free enqueue and dequeue matter.
package ilist

// Element is an item that can be linked into a List. Types embed Entry to
// satisfy it.
type Element interface {
	Next() Element
	Prev() Element
	SetNext(Element)
	SetPrev(Element)
}

// Entry provides the linkage fields for an Element. It must be embedded in
// the element type. The embedding type is responsible for type-asserting
// Elements back to itself when iterating.
type Entry struct {
	next Element
	prev Element
}

// Next returns the following element in the list, or nil.
func (e *Entry) Next() Element { return e.next }

// Prev returns the preceding element in the list, or nil.
func (e *Entry) Prev() Element { return e.prev }

// SetNext assigns the following element.
func (e *Entry) SetNext(elem Element) { e.next = elem }

// SetPrev assigns the preceding element.
func (e *Entry) SetPrev(elem Element) { e.prev = elem }

// List is an intrusive list. The zero value for List is an empty list ready
// to use.
//
// To iterate over a list (where l is a List):
//
//	for e := l.Front(); e != nil; e = e.Next() {
//		// do something with e.
//	}
type List struct {
	head Element
	tail Element
}

// Reset resets list l to the empty state.
func (l *List) Reset() {
	l.head = nil
	l.tail = nil
}

// Empty returns true iff the list is empty.
func (l *List) Empty() bool {
	return l.head == nil
}

// Front returns the first element of list l or nil.
func (l *List) Front() Element {
	return l.head
}

// Back returns the last element of list l or nil.
func (l *List) Back() Element {
	return l.tail
}

// Len returns the number of elements in the list.
//
// NOTE: This is an O(n) operation.
func (l *List) Len() (count int) {
	for e := l.Front(); e != nil; e = e.Next() {
		count++
	}
	return count
}

// PushFront inserts the element e at the front of list l.
func (l *List) PushFront(e Element) {
	e.SetNext(l.head)
	e.SetPrev(nil)
	if l.head != nil {
		l.head.SetPrev(e)
	} else {
		l.tail = e
	}
	l.head = e
}

// PushBack inserts the element e at the back of list l.
func (l *List) PushBack(e Element) {
	e.SetNext(nil)
	e.SetPrev(l.tail)
	if l.tail != nil {
		l.tail.SetNext(e)
	} else {
		l.head = e
	}
	l.tail = e
}

// InsertBefore inserts the element e before the element b in list l.
func (l *List) InsertBefore(b, e Element) {
	a := b.Prev()
	e.SetNext(b)
	e.SetPrev(a)
	b.SetPrev(e)
	if a != nil {
		a.SetNext(e)
	} else {
		l.head = e
	}
}

// InsertAfter inserts the element e after the element a in list l.
func (l *List) InsertAfter(a, e Element) {
	b := a.Next()
	e.SetPrev(a)
	e.SetNext(b)
	a.SetNext(e)
	if b != nil {
		b.SetPrev(e)
	} else {
		l.tail = e
	}
}

// Remove removes e from l.
func (l *List) Remove(e Element) {
	prev := e.Prev()
	next := e.Next()
	if prev != nil {
		prev.SetNext(next)
	} else {
		l.head = next
	}
	if next != nil {
		next.SetPrev(prev)
	} else {
		l.tail = prev
	}
	e.SetNext(nil)
	e.SetPrev(nil)
}
