package utils

import (
	"strings"

	"github.com/fatih/color"
)

// ColoredString takes a string and a colour attribute and returns a colored
// string with that attribute
func ColoredString(str string, colorAttribute color.Attribute) string {
	if colorAttribute == color.FgWhite {
		return str
	}
	colour := color.New(colorAttribute)
	return ColoredStringDirect(str, colour)
}

// ColoredStringDirect used for aggregating a few color attributes rather than
// just sending a single one
func ColoredStringDirect(str string, colour *color.Color) string {
	return colour.SprintFunc()(str)
}

func SafeTruncate(str string, limit int) string {
	if len(str) > limit {
		return str[0:limit]
	} else {
		return str
	}
}

// TruncateCommand renders an argv for table output: the first three
// words, with an ellipsis when more follow.
func TruncateCommand(command []string) string {
	if len(command) <= 3 {
		return strings.Join(command, " ")
	}
	return strings.Join(command[:3], " ") + "..."
}
