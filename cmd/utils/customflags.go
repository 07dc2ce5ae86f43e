package utils

// Flag is a command line flag that is also a viper key and an environment
// variable.
type Flag struct {
	Name         string
	Abbreviation string
	Value        interface{}
	Usage        string
}

func (f *Flag) GetName() string         { return f.Name }
func (f *Flag) GetAbbreviation() string { return f.Abbreviation }
func (f *Flag) GetUsage() string        { return f.Usage }
func (f *Flag) GetValue() interface{}   { return f.Value }
