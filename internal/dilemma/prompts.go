package dilemma

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hazyhaar/moraltorture/internal/db"
)

const exampleTextLen = 100

func generatePrompt(language string, samples []*db.Dilemma) string {
	var examples strings.Builder
	if len(samples) > 0 {
		if language == "it" {
			examples.WriteString("\n\nEcco alcuni esempi dello stile e della complessità che cerco:\n")
		} else {
			examples.WriteString("\n\nHere are some examples of the style and complexity I'm looking for:\n")
		}
		for i, d := range samples {
			fmt.Fprintf(&examples, "\nExample %d:\n", i+1)
			fmt.Fprintf(&examples,
				`{"dilemma": "%s...", "firstAnswer": "%s", "secondAnswer": "%s", "teaseOption1": "%s", "teaseOption2": "%s"}`+"\n",
				truncate(d.Dilemma, exampleTextLen), d.FirstAnswer, d.SecondAnswer, d.TeaseOption1, d.TeaseOption2)
		}
	}

	if language == "it" {
		return "Genera un NUOVO e UNICO dilemma etico (40-80 parole) con due opzioni difficili. " +
			"IMPORTANTE: crea un dilemma completamente diverso da quelli che hai visto, senza copiare o modificare gli esempi. " +
			"Ogni opzione deve presentare un punto di vista valido ma contrastante. " +
			"Aggiungi una leggera presa in giro per ogni opzione. " +
			"Rispondi rigorosamente in formato JSON con questa struttura: " +
			`{"dilemma": "...", "firstAnswer": "...", "secondAnswer": "...", "teaseOption1": "...", "teaseOption2": "..."} ` +
			examples.String() +
			"NIENT'ALTRO CHE IL JSON DEVE ESSERE NELLA TUA RISPOSTA."
	}
	return "Generate a NEW and UNIQUE ethical dilemma (40-80 words) with two challenging options. " +
		"IMPORTANT: create a dilemma completely different from the ones you've seen, without copying or modifying the examples. " +
		"Each option should present a valid but contrasting viewpoint. " +
		"Add a light tease for each option. " +
		"Respond strictly in JSON format with the following structure: " +
		`{"dilemma": "...", "firstAnswer": "...", "secondAnswer": "...", "teaseOption1": "...", "teaseOption2": "..."} ` +
		examples.String() +
		"NOTHING BUT THE JSON SHOULD BE IN YOUR ANSWER."
}

func analyzePrompt(language string, averages map[string]float64, chosen []ChosenDilemma) string {
	parts := make([]string, 0, len(averages))
	for _, k := range sortedKeys(averages) {
		parts = append(parts, k+": "+strconv.FormatFloat(averages[k], 'f', -1, 64))
	}
	profile := strings.Join(parts, ", ")

	it := language == "it"
	var choices strings.Builder
	if len(chosen) > 0 {
		if it {
			choices.WriteString("\n\nEcco i dilemmi specifici che hanno affrontato e le loro scelte:\n")
		} else {
			choices.WriteString("\n\nHere are the specific dilemmas they faced and their choices:\n")
		}
		for i, c := range chosen {
			if it {
				fmt.Fprintf(&choices, "\n%d. Dilemma: %s\n   Opzioni: '%s' oppure '%s'\n   Hanno scelto: '%s'\n",
					i+1, c.Dilemma, c.FirstAnswer, c.SecondAnswer, c.ChosenAnswer)
			} else {
				fmt.Fprintf(&choices, "\n%d. Dilemma: %s\n   Options: '%s' or '%s'\n   They chose: '%s'\n",
					i+1, c.Dilemma, c.FirstAnswer, c.SecondAnswer, c.ChosenAnswer)
			}
		}
	}

	if it {
		return "Stai analizzando il profilo morale di una persona basandoti sulle sue risposte a dilemmi etici. " +
			"Ecco i loro punteggi medi nelle diverse categorie morali: " + profile + "." +
			choices.String() +
			"\nGenera un'analisi ponderata, leggermente oscura e inquietante che faccia riferimento alle loro scelte specifiche, " +
			"identifichi i tratti morali dominanti e i possibili punti ciechi, con il tono misterioso della \"Moral Torture Machine\". " +
			"Scrivi in seconda persona. MASSIMO 100 parole. Non usare JSON, restituisci solo il testo dell'analisi."
	}
	return "You are analyzing a person's moral profile based on their responses to ethical dilemmas. " +
		"Here are their average scores across different moral categories: " + profile + "." +
		choices.String() +
		"\nGenerate a thoughtful, slightly dark and creepy analysis that references their specific choices, " +
		"identifies their dominant moral traits and potential blind spots, in the mysterious tone of the \"Moral Torture Machine\". " +
		"Write in second person. MAXIMUM 100 words. Do not use JSON, just return the analysis text."
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
