package menu

// Option is one selectable button. Options with a URL open a link instead of
// sending their key back.
type Option struct {
	Label string
	Key   string
	URL   string
}

// Menu is a named keyboard laid out in rows
type Menu struct {
	Name string
	Rows [][]Option
}

const (
	Primary = "primary"
	Exam    = "exam"
	Board   = "board"
)

// ResultsWebsite is the public results page linked from the primary menu
const ResultsWebsite = "http://www.educationboardresults.gov.bd/"

var catalog = map[string]Menu{
	Primary: {
		Name: Primary,
		Rows: [][]Option{
			{{Label: "🔍 Get Your Board Result", Key: "result"}},
			{{Label: "🤝 Help", Key: "help"}, {Label: "🌐 Results Website", URL: ResultsWebsite}},
		},
	},
	Exam: {
		Name: Exam,
		Rows: [][]Option{
			{{Label: "HSC/Alim", Key: "hsc"}},
			{{Label: "JSC/JDC", Key: "jsc"}, {Label: "SSC/Dakhil", Key: "ssc"}},
			{{Label: "SSC(Vocational)", Key: "ssc_voc"}, {Label: "HSC(Vocational)", Key: "hsc_voc"}},
			{{Label: "HSC(BM)", Key: "hsc_hbm"}, {Label: "Diploma in Commerce", Key: "hsc_dic"}},
			// the site files DIBS under the HSC exam; the board tells them apart
			{{Label: "Diploma in Business Studies", Key: "hsc"}},
		},
	},
	Board: {
		Name: Board,
		Rows: [][]Option{
			{{Label: "Barisal", Key: "barisal"}, {Label: "Chittagong", Key: "chittagong"}},
			{{Label: "Comilla", Key: "comilla"}, {Label: "Dhaka", Key: "dhaka"}},
			{{Label: "Dinajpur", Key: "dinajpur"}, {Label: "Jessore", Key: "jessore"}},
			{{Label: "Mymensingh", Key: "mymensingh"}, {Label: "Rajshahi", Key: "rajshahi"}},
			{{Label: "Sylhet", Key: "sylhet"}, {Label: "Madrasah", Key: "madrasah"}},
			{{Label: "Technical", Key: "tec"}, {Label: "DIBS(Dhaka)", Key: "dibs"}},
		},
	},
}

// Get returns the named menu. An empty name yields the primary menu.
func Get(name string) (Menu, bool) {
	if name == "" {
		name = Primary
	}
	m, ok := catalog[name]
	return m, ok
}

// Options returns the menu's options in display order
func (m Menu) Options() []Option {
	var options []Option
	for _, row := range m.Rows {
		options = append(options, row...)
	}
	return options
}

// Label returns the label of the first option carrying key
func (m Menu) Label(key string) (string, bool) {
	for _, o := range m.Options() {
		if o.URL == "" && o.Key == key {
			return o.Label, true
		}
	}
	return "", false
}
