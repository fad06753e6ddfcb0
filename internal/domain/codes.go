package domain

// Rejection codes for newroom requests. They are surfaced verbatim to
// clients and form the compatibility surface of the protocol; never
// renumber them.
const (
	CodeMissingInfo   = 200 // request carried no info block
	CodeOverloaded    = 201 // server is shedding load
	CodeNameTaken     = 202 // a room with that name already exists
	CodeBadName       = 203 // name missing or not a string
	CodeBadMaxLoad    = 204 // maxload missing or outside [0,17]
	CodeBadWelcomeMsg = 205 // welcomemsg not a string or longer than 40 chars

	// CodeBadPassword is returned both for an invalid password (not a
	// string, or longer than 16 chars) and for a non-boolean emptyclose
	// flag. Clients depend on the shared value; do not split it.
	CodeBadPassword = 207

	CodeRoomLimit     = 210 // the per-manager room limit is reached
	CodeBadCanvasSize = 211 // size missing, not an object, or non-positive
)
