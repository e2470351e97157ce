package witgo

// Unit is the empty tuple, used for payload-less result cases.
type Unit struct{}

// Tuple is tuple<A, B>.
type Tuple[A, B any] struct {
	F0 A
	F1 B
}

// Option is option<T>.
type Option[T any] struct {
	Some  bool
	Value T
}

func Some[T any](v T) Option[T] { return Option[T]{Some: true, Value: v} }

func None[T any]() Option[T] { return Option[T]{} }

// Ptr returns the payload address, or nil for none.
func (o Option[T]) Ptr() *T {
	if !o.Some {
		return nil
	}
	v := o.Value
	return &v
}

// Result is result<T, E>.
type Result[T, E any] struct {
	IsErr bool
	Ok    T
	Err   E
}

func Ok[T, E any](v T) Result[T, E] { return Result[T, E]{Ok: v} }

func Err[T, E any](e E) Result[T, E] { return Result[T, E]{IsErr: true, Err: e} }
