package anim

// Command is a request to the playback goroutine. The set of commands is
// closed; see the Cmd types below.
type Command interface {
	command()
}

// CmdPlay plays a catalog animation centered on the screen.
type CmdPlay struct{ Kind Kind }

// CmdPlayAt plays a catalog animation with its top-left corner at (X, Y).
type CmdPlayAt struct {
	Kind Kind
	X, Y int
}

// CmdStop stops the current animation if it is Kind, or any animation for
// All.
type CmdStop struct{ Kind Kind }

type CmdHide struct{}

type CmdShow struct{}

type CmdSetPos struct{ X, Y int }

type CmdCenter struct{}

// CmdShowImage loads the image file at Path and puts it, sized W×H, in the
// middle of the screen, hiding the animation. A zero W or H keeps the
// image's own size.
type CmdShowImage struct {
	Path string
	W, H int
}

// CmdHideImage removes the image and shows the animation again.
type CmdHideImage struct{}

func (CmdPlay) command()      {}
func (CmdPlayAt) command()    {}
func (CmdStop) command()      {}
func (CmdHide) command()      {}
func (CmdShow) command()      {}
func (CmdSetPos) command()    {}
func (CmdCenter) command()    {}
func (CmdShowImage) command() {}
func (CmdHideImage) command() {}
