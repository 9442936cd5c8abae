package main

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/entrhq/harvester/pkg/logging"
)

// errCancelled is returned when the operator leaves a picker or prompt.
var errCancelled = errors.New("cancelled")

var (
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(logging.SalmonPink).
			Padding(1, 2)
	promptTitleStyle = lipgloss.NewStyle().Foreground(logging.SalmonPink).Bold(true)
	hintStyle        = lipgloss.NewStyle().Foreground(logging.MutedGray)
	inputErrorStyle  = lipgloss.NewStyle().Foreground(logging.AlertRed)
)

// pickItem is one selectable entry. value defaults to title.
type pickItem struct {
	title string
	desc  string
	value string
}

func (i pickItem) FilterValue() string { return i.title }
func (i pickItem) Title() string       { return i.title }
func (i pickItem) Description() string { return i.desc }

func (i pickItem) Value() string {
	if i.value != "" {
		return i.value
	}
	return i.title
}

type pickerModel struct {
	list      list.Model
	choice    string
	cancelled bool
}

func newPickerModel(title string, items []pickItem) pickerModel {
	listItems := make([]list.Item, len(items))
	for i, item := range items {
		listItems[i] = item
	}

	d := list.NewDefaultDelegate()
	d.Styles.SelectedTitle = d.Styles.SelectedTitle.
		Foreground(logging.SalmonPink).
		BorderForeground(logging.SalmonPink)
	d.Styles.SelectedDesc = d.Styles.SelectedDesc.
		Foreground(logging.MutedGray).
		BorderForeground(logging.SalmonPink)

	l := list.New(listItems, d, 60, 16)
	l.Title = title
	l.SetShowStatusBar(true)
	l.SetFilteringEnabled(len(items) > 8)
	l.Styles.Title = lipgloss.NewStyle().
		Foreground(logging.SalmonPink).
		Bold(true).
		Padding(0, 1)
	l.AdditionalShortHelpKeys = func() []key.Binding {
		return []key.Binding{
			key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "select")),
			key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "cancel")),
		}
	}

	return pickerModel{list: l}
}

func (m pickerModel) Init() tea.Cmd {
	return nil
}

func (m pickerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		h, v := boxStyle.GetFrameSize()
		m.list.SetSize(msg.Width-h, msg.Height-v)
		return m, nil

	case tea.KeyMsg:
		// keys belong to the filter input while filtering
		if m.list.FilterState() == list.Filtering {
			break
		}
		switch msg.String() {
		case "ctrl+c", "esc", "q":
			m.cancelled = true
			return m, tea.Quit
		case "enter":
			if item, ok := m.list.SelectedItem().(pickItem); ok {
				m.choice = item.Value()
				return m, tea.Quit
			}
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m pickerModel) View() string {
	if m.choice != "" || m.cancelled {
		return ""
	}
	return boxStyle.Render(m.list.View())
}

// pick shows a list picker and returns the chosen value.
func pick(title string, items []pickItem) (string, error) {
	final, err := tea.NewProgram(newPickerModel(title, items), tea.WithAltScreen()).Run()
	if err != nil {
		return "", fmt.Errorf("picker: %w", err)
	}
	m := final.(pickerModel)
	if m.cancelled || m.choice == "" {
		return "", errCancelled
	}
	return m.choice, nil
}

type inputModel struct {
	title     string
	input     textinput.Model
	validate  func(string) error
	err       error
	value     string
	done      bool
	cancelled bool
}

func newInputModel(title, placeholder string, validate func(string) error) inputModel {
	input := textinput.New()
	input.Prompt = "> "
	input.Placeholder = placeholder
	input.CharLimit = 64
	input.Width = 40
	input.Focus()

	return inputModel{title: title, input: input, validate: validate}
}

func (m inputModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m inputModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.cancelled = true
			return m, tea.Quit
		case tea.KeyEnter:
			value := m.input.Value()
			if m.validate != nil {
				if err := m.validate(value); err != nil {
					m.err = err
					return m, nil
				}
			}
			m.value = value
			m.done = true
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	m.err = nil
	return m, cmd
}

func (m inputModel) View() string {
	if m.done || m.cancelled {
		return ""
	}
	view := promptTitleStyle.Render(m.title) + "\n\n" + m.input.View() + "\n"
	if m.err != nil {
		view += "\n" + inputErrorStyle.Render(m.err.Error()) + "\n"
	}
	view += "\n" + hintStyle.Render("enter confirm • esc cancel")
	return view
}

// ask prompts for a single line until validate accepts it.
func ask(title, placeholder string, validate func(string) error) (string, error) {
	final, err := tea.NewProgram(newInputModel(title, placeholder, validate)).Run()
	if err != nil {
		return "", fmt.Errorf("prompt: %w", err)
	}
	m := final.(inputModel)
	if m.cancelled || !m.done {
		return "", errCancelled
	}
	return m.value, nil
}
