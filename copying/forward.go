package copying

// A forwarded object's class-pointer word (offset 0 of its old from-space
// copy) has its low bit tagged and the remaining bits hold the to-space
// address it was copied to — spec.md §9's forwarding-pointer design note,
// encapsulated here rather than inlined at every call site.
const forwardTagBit = uintptr(1)

func isForwarded(classWord uintptr) bool   { return classWord&forwardTagBit != 0 }
func forwardedTo(classWord uintptr) uintptr { return classWord &^ forwardTagBit }
func installForward(dst uintptr) uintptr    { return dst | forwardTagBit }
