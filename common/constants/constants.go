package constants

const (
	APP_NAME = "go-sequencer"
	// prefix used to read config parameters from environment variables
	ENV_PREFIX = "GO_SEQUENCER"
	// config file name
	CONFIG_FILE_NAME = "config.toml"
	// config file type
	CONFIG_FILE_TYPE = "toml"
	// lock file guarding the data directory against a second sequencer
	DATADIR_LOCK_FILE_NAME = "LOCK"
	// subdirectories of the data directory
	TREE_DB_DIR_NAME  = "tree"
	BLOCK_DB_DIR_NAME = "blocks"
)
