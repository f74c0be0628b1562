package wire

// ReplyMatcher returns the predicate that decides whether an inbound
// message answers the given outbound one. The table is closed: every
// request type the engine sends has an explicit entry, and anything
// else falls back to exact-type or suffix matching. An untyped outbound
// message accepts the next inbound message unconditionally; callers own
// the invariant that at most one untyped exchange is outstanding.
func ReplyMatcher(out Message) func(in Message) bool {
	switch out.Type {
	case "":
		return func(Message) bool { return true }
	case TypeGetID:
		return typeIs(TypeIDResponse)
	case TypePing:
		return typeIs(TypePong)
	case TypeConfig:
		return typeIs(TypeConfigUpdated)
	case TypePreflightCheck:
		return typeIs(TypePreflightResult)
	case TypeJob, TypeAPIJob:
		jobID := out.JobID
		return func(in Message) bool {
			switch in.Type {
			case TypeResult, TypeError, TypeProgress:
				return in.JobID == jobID
			}
			return false
		}
	default:
		want := out.Type
		return func(in Message) bool {
			return in.Type == want ||
				in.Type == want+"_RESULT" ||
				in.Type == want+"_RESPONSE"
		}
	}
}

// Terminal reports whether an inbound message settles a JOB-family
// wait. PROGRESS keeps the wait open.
func Terminal(in Message) bool {
	return in.Type == TypeResult || in.Type == TypeError
}

func typeIs(t string) func(Message) bool {
	return func(in Message) bool { return in.Type == t }
}
