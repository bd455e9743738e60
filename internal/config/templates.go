package config

import (
	"fmt"
	"os"
	"strings"
)

// Template returns a procedure config in the given format (toml or yaml).
func Template(format string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "toml", "":
		return tomlTemplate, nil
	case "yaml", "yml":
		return yamlTemplate, nil
	default:
		return "", fmt.Errorf("unknown config format: %s", format)
	}
}

func WriteTemplate(path, format string, overwrite bool) error {
	template, err := Template(format)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const tomlTemplate = `name = "5720a-10v-check"
session_log = "testlog_5700a.txt"
report = "report.toml"

[transport]
kind = "serial"
port = "/dev/ttyUSB0"
baud = 115200
read_timeout = "3s"
eos = 2

[uut]
name = "5720A"
address = 4
reference = 10.0
make = "FLUKE"
model = "5720A"
init = ["*CLS", "*ESR?"]
deadline = "20s"
settle = "2s"
fault_command = "FAULT?"

[dmm]
name = "3458A"
address = 22
reference = 10.0
make = "HP3458A"
init = [
  "PRESET NORM",
  "OFORMAT ASCII",
  "FUNC DCV,AUTO",
  "NPLC 100",
  "NDIG 9",
  "TARM HOLD",
  "AZERO ON",
  "NRDGS 1,AUTO",
  "TRIG LINE",
  "MEM OFF",
  "END ALWAYS",
]
deadline = "20s"
identify_command = "ID?"
identify_separator = " "
temperature_arm = "TARM SGL,1"
temperature_command = "TEMP?"
temperature_placeholder = 37.5

[check]
setpoint = "10V"
nominal = 10.0
samples = 5
trigger = "TARM SGL,1"
standby_settle = "1s"
output_settle = "2s"
series_threshold = 6565601
constants = ["KV6", "KV13", "RS10K", "ZERO_TEMP", "ALL_TEMP"]
acal = false
acal_wait = "14m"

[monitor]
addr = ""
cors_origins = ["http://localhost:3000"]

[redis]
addr = ""
channel = "calcheck:readings"

[influx]
url = ""
org = ""
bucket = ""
`

const yamlTemplate = `name: 5720a-10v-check
session_log: testlog_5700a.txt
report: report.toml
transport:
  kind: tcp
  addr: 192.168.1.50:1234
  dial_timeout: 5s
  read_timeout: 3s
  eos: 2
uut:
  name: 5720A
  address: 4
  reference: 10.0
  make: FLUKE
  model: 5720A
  init: ["*CLS", "*ESR?"]
  deadline: 20s
  settle: 2s
  fault_command: FAULT?
dmm:
  name: 3458A
  address: 22
  reference: 10.0
  make: HP3458A
  init:
    - PRESET NORM
    - OFORMAT ASCII
    - FUNC DCV,AUTO
    - NPLC 100
    - NDIG 9
    - TARM HOLD
    - AZERO ON
    - NRDGS 1,AUTO
    - TRIG LINE
    - MEM OFF
    - END ALWAYS
  deadline: 20s
  identify_command: ID?
  identify_separator: " "
  temperature_arm: TARM SGL,1
  temperature_command: TEMP?
  temperature_placeholder: 37.5
check:
  setpoint: 10V
  nominal: 10.0
  samples: 5
  trigger: TARM SGL,1
  standby_settle: 1s
  output_settle: 2s
  series_threshold: 6565601
  constants: [KV6, KV13, RS10K, ZERO_TEMP, ALL_TEMP]
  acal: false
  acal_wait: 14m
monitor:
  addr: ":9400"
  cors_origins: ["http://localhost:3000"]
redis:
  addr: ""
  channel: calcheck:readings
`
