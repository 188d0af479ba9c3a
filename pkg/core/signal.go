package core

type handlerSlot[T any] struct {
	id int
	fn func(T)
}

// signal 简单的同步事件源，按订阅顺序回调
type signal[T any] struct {
	next     int
	handlers []handlerSlot[T]
}

func (s *signal[T]) subscribe(fn func(T)) func() {
	s.next++
	id := s.next
	s.handlers = append(s.handlers, handlerSlot[T]{id: id, fn: fn})

	return func() {
		for i, h := range s.handlers {
			if h.id == id {
				// 重新分配底层数组，正在进行的 emit 不受影响
				s.handlers = append(s.handlers[:i:i], s.handlers[i+1:]...)
				return
			}
		}
	}
}

func (s *signal[T]) emit(v T) {
	if len(s.handlers) == 0 {
		return
	}
	for _, h := range s.handlers {
		h.fn(v)
	}
}

func (s *signal[T]) count() int {
	return len(s.handlers)
}
