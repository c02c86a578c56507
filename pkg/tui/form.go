package tui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/james-see/pedalconf/pkg/protocol"
	"github.com/james-see/pedalconf/pkg/store"
)

// form fields, in tab order
const (
	fieldType = iota
	fieldMidi
	fieldValue
	fieldChannel
	fieldVelocity
)

var fieldLabels = []string{"Type", "MIDI", "Value", "Channel", "Velocity"}

// form edits one button. Type and MIDI type are cycled with the arrow keys,
// the numbers are typed.
type form struct {
	button   int
	focus    int
	btnType  protocol.ButtonType
	midiType protocol.MidiType
	// value, channel, velocity
	inputs      []textinput.Model
	hasVelocity bool
}

func newForm(uiIndex int, cfg protocol.ButtonConfig, hasVelocity bool) form {
	f := form{
		button:      uiIndex,
		focus:       fieldType,
		btnType:     cfg.Type,
		midiType:    cfg.MidiType,
		hasVelocity: hasVelocity,
	}

	values := []int{cfg.Value, cfg.Channel, cfg.EffectiveVelocity()}
	for _, v := range values {
		in := textinput.New()
		in.CharLimit = 3
		in.Width = 5
		in.Prompt = ""
		in.SetValue(strconv.Itoa(v))
		f.inputs = append(f.inputs, in)
	}
	return f
}

func (f form) fieldCount() int {
	if f.hasVelocity {
		return fieldVelocity + 1
	}
	return fieldVelocity
}

func (f form) setFocus(focus int) (form, tea.Cmd) {
	f.focus = focus
	var cmd tea.Cmd
	for i := range f.inputs {
		if i+fieldValue == focus {
			cmd = f.inputs[i].Focus()
		} else {
			f.inputs[i].Blur()
		}
	}
	return f, cmd
}

func (f form) update(msg tea.Msg) (form, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.String() {
		case "tab", "down":
			return f.setFocus((f.focus + 1) % f.fieldCount())
		case "shift+tab", "up":
			return f.setFocus((f.focus + f.fieldCount() - 1) % f.fieldCount())
		case "left", "right", " ":
			step := 1
			if key.String() == "left" {
				step = -1
			}
			switch f.focus {
			case fieldType:
				f.btnType = protocol.ButtonType((int(f.btnType) + step + 2) % 2)
				return f, nil
			case fieldMidi:
				f.midiType = protocol.MidiType((int(f.midiType) + step + 3) % 3)
				return f, nil
			}
		}
	}

	if f.focus < fieldValue {
		return f, nil
	}
	var cmd tea.Cmd
	i := f.focus - fieldValue
	f.inputs[i], cmd = f.inputs[i].Update(msg)
	return f, cmd
}

// edit returns the form contents as a full edit
func (f form) edit() (store.Edit, error) {
	nums := make([]int, len(f.inputs))
	for i, in := range f.inputs {
		if i+fieldValue == fieldVelocity && !f.hasVelocity {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(in.Value()))
		if err != nil {
			return store.Edit{}, fmt.Errorf("%s: not a number", strings.ToLower(fieldLabels[i+fieldValue]))
		}
		nums[i] = n
	}

	bt, mt := f.btnType, f.midiType
	edit := store.Edit{
		Type:     &bt,
		MidiType: &mt,
		Value:    &nums[0],
		Channel:  &nums[1],
	}
	if f.hasVelocity {
		edit.Velocity = &nums[2]
	}
	return edit, nil
}

func (f form) view() string {
	var s strings.Builder
	for field := 0; field < f.fieldCount(); field++ {
		label := labelStyle
		if field == f.focus {
			label = focusedLabelStyle
		}
		s.WriteString(label.Render(fieldLabels[field]))

		switch field {
		case fieldType:
			s.WriteString(fmt.Sprintf("‹ %s ›", f.btnType))
		case fieldMidi:
			s.WriteString(fmt.Sprintf("‹ %s ›", f.midiType))
		default:
			s.WriteString(f.inputs[field-fieldValue].View())
		}
		s.WriteString("\n")
	}
	return s.String()
}
