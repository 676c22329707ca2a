package must

func Be(expr bool, msg string) {
	if !expr {
		panic("assertion failed: " + msg)
	}
}

func OK[T any](v T, err error) T {
	if nil != err {
		panic("expected nil error, got: " + err.Error())
	}

	return v
}
