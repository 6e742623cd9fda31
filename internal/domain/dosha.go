package domain

import (
	"fmt"
	"strings"
)

// Dosha is the classification label produced by the prakriti quiz.
// The chat core treats it as opaque.
type Dosha string

const (
	DoshaVata  Dosha = "Vata"
	DoshaPitta Dosha = "Pitta"
	DoshaKapha Dosha = "Kapha"
)

// ParseDosha normalizes a quiz label such as "vata" or " KAPHA ".
func ParseDosha(s string) (Dosha, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "vata":
		return DoshaVata, nil
	case "pitta":
		return DoshaPitta, nil
	case "kapha":
		return DoshaKapha, nil
	}
	return "", fmt.Errorf("unknown dosha %q", s)
}

// Greeting returns the line shown when the chat opens for a known dosha.
func (d Dosha) Greeting() string {
	if d == "" {
		return "Ask anything about Prakriti and Ayurveda."
	}
	return fmt.Sprintf("Your prakriti is %s. Ask anything about it.", d)
}
