// flag registers pflag flags whose defaults are taken from environment
// variables when they are set.
package flag

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/pflag"
)

func StringVar(flags *pflag.FlagSet, output *string, flagName string, envVarName string, defaultValue string, usage string) {
	flags.StringVar(output, flagName, stringEnvVar(envVarName, defaultValue), withEnv(usage, envVarName))
}

func StringVarP(flags *pflag.FlagSet, output *string, flagName string, shorthand string, envVarName string, defaultValue string, usage string) {
	flags.StringVarP(output, flagName, shorthand, stringEnvVar(envVarName, defaultValue), withEnv(usage, envVarName))
}

func BoolVar(flags *pflag.FlagSet, output *bool, flagName string, envVarName string, defaultValue bool, usage string) error {
	dval, err := boolEnvVar(envVarName, defaultValue)
	//set flag inspite of error, caller can decide whether to ignore and go with default or not
	flags.BoolVar(output, flagName, dval, withEnv(usage, envVarName))
	return err
}

func IntVarP(flags *pflag.FlagSet, output *int, flagName string, shorthand string, envVarName string, defaultValue int, usage string) error {
	dval, err := intEnvVar(envVarName, defaultValue)
	//set flag inspite of error, caller can decide whether to ignore and go with default or not
	flags.IntVarP(output, flagName, shorthand, dval, withEnv(usage, envVarName))
	return err
}

func withEnv(usage string, envVarName string) string {
	if envVarName == "" {
		return usage
	}
	return fmt.Sprintf("%s [$%s]", usage, envVarName)
}

func intEnvVar(name string, defaultValue int) (int, error) {
	if svalue, ok := os.LookupEnv(name); ok {
		value, err := strconv.Atoi(svalue)
		if err != nil {
			return defaultValue, fmt.Errorf("Bad value for %q: %s", name, err)
		}
		return value, nil
	}
	return defaultValue, nil
}

func boolEnvVar(name string, defaultValue bool) (bool, error) {
	if svalue, ok := os.LookupEnv(name); ok {
		value, err := strconv.ParseBool(svalue)
		if err != nil {
			return defaultValue, fmt.Errorf("Bad value for %q: %s", name, err)
		}
		return value, nil
	}
	return defaultValue, nil
}

func stringEnvVar(name string, defaultValue string) string {
	if value, ok := os.LookupEnv(name); ok {
		return value
	}
	return defaultValue
}
