/*
Package config loads pulse configuration.

Values are layered, later sources winning:

 1. built-in defaults (Default)
 2. a YAML file passed with --config
 3. a .env file in the working directory
 4. PULSE_* environment variables

Durations use Go syntax ("5s", "15m"). The snapshot run time is a UTC
"HH:MM" string. DATABASE_URL is honoured when PULSE_POSTGRES_DSN is unset.
*/
package config
