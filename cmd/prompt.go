package cmd

import (
	"github.com/charmbracelet/huh"
)

func runForm(fields ...huh.Field) error {
	return huh.NewForm(huh.NewGroup(fields...)).WithShowHelp(true).Run()
}

// promptString asks for one line of text. validate may be nil.
func promptString(title, description string, validate func(string) error) (string, error) {
	var value string
	inp := huh.NewInput().
		Title(title).
		Value(&value)
	if description != "" {
		inp = inp.Description(description)
	}
	if validate != nil {
		inp = inp.Validate(validate)
	}
	if err := runForm(inp); err != nil {
		return "", err
	}
	return value, nil
}

// filterThreshold: type-to-filter only kicks in past this many options.
const filterThreshold = 5

// SelectOption is one entry of a select prompt.
type SelectOption[T any] struct {
	Label string
	Value T
}

func promptSelect[T comparable](title string, options []SelectOption[T]) (T, error) {
	var value T
	huhOpts := make([]huh.Option[T], len(options))
	for i, opt := range options {
		huhOpts[i] = huh.NewOption(opt.Label, opt.Value)
	}
	sel := huh.NewSelect[T]().
		Title(title).
		Options(huhOpts...).
		Value(&value)
	if len(options) > filterThreshold {
		sel = sel.Filtering(true)
	}
	if err := runForm(sel); err != nil {
		var zero T
		return zero, err
	}
	return value, nil
}

// promptMultiSelect returns the values left checked; preselected start checked.
func promptMultiSelect[T comparable](title string, options []SelectOption[T], preselected []T) ([]T, error) {
	var values []T
	pre := make(map[T]bool, len(preselected))
	for _, v := range preselected {
		pre[v] = true
	}
	huhOpts := make([]huh.Option[T], len(options))
	for i, opt := range options {
		huhOpts[i] = huh.NewOption(opt.Label, opt.Value).Selected(pre[opt.Value])
	}
	ms := huh.NewMultiSelect[T]().
		Title(title).
		Options(huhOpts...).
		Value(&values)
	if err := runForm(ms); err != nil {
		return nil, err
	}
	return values, nil
}

func promptConfirm(title string, defaultYes bool) (bool, error) {
	value := defaultYes
	c := huh.NewConfirm().
		Title(title).
		Affirmative("Yes").
		Negative("No").
		Value(&value)
	if err := runForm(c); err != nil {
		return false, err
	}
	return value, nil
}
