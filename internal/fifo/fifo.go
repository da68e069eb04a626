package fifo

// Circular Fifo of fixed capacity, used by the CAN log
// Writing to a full fifo overwrites the oldest element.
type Fifo[T any] struct {
	buffer   []T
	writePos int
	readPos  int
	occupied int
}

func NewFifo[T any](size int) *Fifo[T] {
	if size < 1 {
		size = 1
	}
	return &Fifo[T]{buffer: make([]T, size)}
}

func (f *Fifo[T]) Reset() {
	clear(f.buffer)
	f.readPos = 0
	f.writePos = 0
	f.occupied = 0
}

func (f *Fifo[T]) GetSpace() int {
	return len(f.buffer) - f.occupied
}

func (f *Fifo[T]) GetOccupied() int {
	return f.occupied
}

// Write an element, returns true if the oldest element was dropped
func (f *Fifo[T]) Write(element T) bool {
	dropped := false
	if f.occupied == len(f.buffer) {
		f.readPos = (f.readPos + 1) % len(f.buffer)
		f.occupied--
		dropped = true
	}
	f.buffer[f.writePos] = element
	f.writePos = (f.writePos + 1) % len(f.buffer)
	f.occupied++
	return dropped
}

// Read the oldest element
func (f *Fifo[T]) Read() (T, bool) {
	var zero T
	if f.occupied == 0 {
		return zero, false
	}
	element := f.buffer[f.readPos]
	f.buffer[f.readPos] = zero
	f.readPos = (f.readPos + 1) % len(f.buffer)
	f.occupied--
	return element, true
}

// Peek returns the oldest element without removing it
func (f *Fifo[T]) Peek() (T, bool) {
	var zero T
	if f.occupied == 0 {
		return zero, false
	}
	return f.buffer[f.readPos], true
}

// Items copies the content, oldest first
func (f *Fifo[T]) Items() []T {
	items := make([]T, 0, f.occupied)
	for i := 0; i < f.occupied; i++ {
		items = append(items, f.buffer[(f.readPos+i)%len(f.buffer)])
	}
	return items
}
