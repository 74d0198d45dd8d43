// Package query implements query understanding: mode classification,
// decontextualization against history, entity extraction, rewriting,
// intent classification and variant expansion. All pattern sets are
// closed, read-only tables loaded at init.
package query

import "regexp"

// Stopwords is the Swedish stopword set used by keyword extraction and
// lexical-query building.
var Stopwords = map[string]bool{
	"och": true, "i": true, "att": true, "det": true, "som": true,
	"en": true, "ett": true, "är": true, "av": true, "för": true,
	"på": true, "med": true, "till": true, "den": true, "har": true,
	"de": true, "inte": true, "om": true, "ska": true, "skall": true,
	"man": true, "så": true, "var": true, "vad": true, "vem": true,
	"när": true, "hur": true, "vilka": true, "vilken": true, "vilket": true,
	"kan": true, "får": true, "gör": true, "blir": true, "finns": true,
	"från": true, "vid": true, "under": true, "över": true, "efter": true,
	"eller": true, "men": true, "också": true, "där": true, "här": true,
	"sig": true, "sin": true, "sitt": true, "sina": true, "enligt": true,
	"mot": true, "utan": true, "vara": true, "ha": true, "detta": true,
	"denna": true, "dessa": true, "vilja": true, "måste": true, "bör": true,
	"du": true, "jag": true, "vi": true, "ni": true, "dom": true,
}

// Abbreviations maps known statute abbreviations to their full names.
// Closed set; matching is case-sensitive on the abbreviation.
var Abbreviations = map[string]string{
	"RF":   "regeringsformen",
	"TF":   "tryckfrihetsförordningen",
	"YGL":  "yttrandefrihetsgrundlagen",
	"SO":   "successionsordningen",
	"OSL":  "offentlighets- och sekretesslagen",
	"FL":   "förvaltningslagen",
	"FPL":  "förvaltningsprocesslagen",
	"KL":   "kommunallagen",
	"MB":   "miljöbalken",
	"PBL":  "plan- och bygglagen",
	"SoL":  "socialtjänstlagen",
	"LSS":  "lagen om stöd och service till vissa funktionshindrade",
	"HSL":  "hälso- och sjukvårdslagen",
	"BrB":  "brottsbalken",
	"RB":   "rättegångsbalken",
	"JB":   "jordabalken",
	"ÄB":   "ärvdabalken",
	"FB":   "föräldrabalken",
	"AvtL": "avtalslagen",
	"KöpL": "köplagen",
	"LAS":  "lagen om anställningsskydd",
	"MBL":  "medbestämmandelagen",
	"AML":  "arbetsmiljölagen",
	"GDPR": "dataskyddsförordningen",
	"LOU":  "lagen om offentlig upphandling",
	"UtlL": "utlänningslagen",
	"IL":   "inkomstskattelagen",
	"ML":   "mervärdesskattelagen",
	"SFB":  "socialförsäkringsbalken",
	"SkL":  "skadeståndslagen",
}

// Authorities is the closed set of known Swedish authority names,
// lowercase.
var Authorities = map[string]bool{
	"riksdagen":                  true,
	"regeringen":                 true,
	"skatteverket":               true,
	"försäkringskassan":          true,
	"arbetsförmedlingen":         true,
	"migrationsverket":           true,
	"socialstyrelsen":            true,
	"naturvårdsverket":           true,
	"boverket":                   true,
	"skolverket":                 true,
	"polismyndigheten":           true,
	"åklagarmyndigheten":         true,
	"domstolsverket":             true,
	"kronofogden":                true,
	"kronofogdemyndigheten":      true,
	"konsumentverket":            true,
	"konkurrensverket":           true,
	"datainspektionen":           true,
	"integritetsskyddsmyndigheten": true,
	"imy":                        true,
	"justitieombudsmannen":       true,
	"jo":                         true,
	"justitiekanslern":           true,
	"jk":                        true,
	"arbetsmiljöverket":          true,
	"upphandlingsmyndigheten":    true,
	"tillväxtverket":             true,
	"länsstyrelsen":              true,
	"kammarkollegiet":            true,
	"riksrevisionen":             true,
}

// pronouns are the demonstrative and anaphoric pronouns that mark a query
// as depending on prior turns.
var pronouns = map[string]bool{
	"den": true, "det": true, "denna": true, "detta": true, "dessa": true,
	"han": true, "hon": true, "dom": true, "dess": true,
	"sådan": true, "sådana": true, "dit": true, "där": true, "densamma": true,
}

// followupPrefixes mark a query as a follow-up on the previous turn.
var followupPrefixes = []string{
	"och ", "men ", "fast ", "även ", "också ", "hur då", "varför då",
	"vad gäller ", "enligt den", "enligt det", "samma ",
}

// chatPatterns match greetings, meta/identity questions and short
// acknowledgements. Checked before evidence patterns.
var chatPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*(hej|hallå|tjena|god\s*(morgon|dag|kväll)|hejsan)\b`),
	regexp.MustCompile(`(?i)^\s*(tack|tackar|toppen|perfekt|bra|ok|okej)\s*[!.]*\s*$`),
	regexp.MustCompile(`(?i)\b(vem|vad)\s+är\s+du\b`),
	regexp.MustCompile(`(?i)\bvad\s+kan\s+du\s+(göra|hjälpa)\b`),
	regexp.MustCompile(`(?i)^\s*(hur\s+mår\s+du|hur\s+funkar\s+du)\b`),
}

// evidencePatterns match explicit legal references and citation requests.
var evidencePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\d{4}:\d+`),                       // SFS number
	regexp.MustCompile(`(?i)\d+\s*kap\.?`),                // chapter marker
	regexp.MustCompile(`\d+\s*§`),                         // paragraph marker
	regexp.MustCompile(`(?i)\bvad\s+säger\s+lagen\b`),
	regexp.MustCompile(`(?i)\benligt\s+(lag|lagen|förordning)`),
	regexp.MustCompile(`(?i)\b(citera|ordagrant|exakt\s+lydelse|lagtext|paragraf)\b`),
	regexp.MustCompile(`(?i)\blag(en|rum)?\s*\(`),
}

// legalContextWords feed the entity-focused paraphrase in expansion.
var legalContextWords = map[string]string{
	"samtycke":      "krav giltighet",
	"sekretess":     "undantag utlämnande",
	"överklagande":  "frist instans",
	"uppsägning":    "saklig grund",
	"ansvar":        "skyldighet påföljd",
	"tillstånd":     "ansökan prövning",
	"ersättning":    "rätt belopp",
	"handläggning":  "tid myndighet",
}

// paraphraseTemplates rewrite question patterns into keyword form.
// Applied in order; the first matching pattern wins.
var paraphraseTemplates = []struct {
	pattern *regexp.Regexp
	replace string
}{
	{regexp.MustCompile(`(?i)^vad\s+säger\s+(.+?)\s+om\s+(.+?)\??$`), "$1 $2"},
	{regexp.MustCompile(`(?i)^vad\s+gäller\s+(?:för|vid)\s+(.+?)\??$`), "$1 regler"},
	{regexp.MustCompile(`(?i)^hur\s+(?:fungerar|funkar)\s+(.+?)\??$`), "$1 förfarande"},
	{regexp.MustCompile(`(?i)^när\s+(?:får|kan|måste)\s+(.+?)\??$`), "$1 förutsättningar"},
	{regexp.MustCompile(`(?i)^vilka\s+krav\s+(?:ställs|finns)\s+(?:på|för)\s+(.+?)\??$`), "$1 krav"},
}
