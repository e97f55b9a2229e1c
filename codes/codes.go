package codes

// Code represents a Postgres error code
type Code string

// http://www.postgresql.org/docs/current/static/errcodes-appendix.html
var (
	// Section: Class 00 - Successful Completion
	SuccessfulCompletion Code = "00000"
	// Section: Class 01 - Warning
	Warning Code = "01000"
	// Section: Class 03 - SQL Statement Not Yet Complete
	SQLStatementNotYetComplete Code = "03000"
	// Section: Class 08 - Connection Exception
	ConnectionException                           Code = "08000"
	ConnectionDoesNotExist                        Code = "08003"
	ConnectionFailure                             Code = "08006"
	SQLclientUnableToEstablishSQLconnection       Code = "08001"
	SQLserverRejectedEstablishmentOfSQLconnection Code = "08004"
	TransactionResolutionUnknown                  Code = "08007"
	ProtocolViolation                             Code = "08P01"
	// Section: Class 0A - Feature Not Supported
	FeatureNotSupported Code = "0A000"
	// Section: Class 22 - Data Exception
	DataException        Code = "22000"
	NullValueNotAllowed  Code = "22004"
	InvalidParameterValue Code = "22023"
	// Section: Class 25 - Invalid Transaction State
	InvalidTransactionState         Code = "25000"
	ActiveSQLTransaction            Code = "25001"
	InFailedSQLTransaction          Code = "25P02"
	IdleInTransactionSessionTimeout Code = "25P03"
	// Section: Class 26 - Invalid SQL Statement Name
	InvalidSQLStatementName Code = "26000"
	// Section: Class 28 - Invalid Authorization Specification
	InvalidAuthorizationSpecification Code = "28000"
	InvalidPassword                   Code = "28P01"
	// Section: Class 34 - Invalid Cursor Name
	InvalidCursorName Code = "34000"
	// Section: Class 42 - Syntax Error or Access Rule Violation
	Syntax                              Code = "42601"
	InvalidPreparedStatementDefinition  Code = "42P14"
	// Section: Class 53 - Insufficient Resources
	InsufficientResources Code = "53000"
	// Section: Class 54 - Program Limit Exceeded
	ProgramLimitExceeded Code = "54000"
	// Section: Class 57 - Operator Intervention
	OperatorIntervention Code = "57000"
	QueryCanceled        Code = "57014"
	AdminShutdown        Code = "57P01"
	CrashShutdown        Code = "57P02"
	CannotConnectNow     Code = "57P03"
	// Section: Class 58 - System Error
	SystemError Code = "58000"
	IOError     Code = "58030"
	// Section: Class XX - Internal Error
	Internal      Code = "XX000"
	DataCorrupted Code = "XX001"

	// Uncategorized is used for errors that flow out to a client when there is
	// no code known for them.
	Uncategorized Code = "XXUUU"
)

// Client-internal codes synthesized by the frontend core. The leading "--"
// keeps them outside of the SQLSTATE namespace; they never originate from a
// backend.
var (
	// ConnectTimeout indicates that the initial connection attempt timed out.
	ConnectTimeout Code = "--TOE"
	// Insecurity indicates that SSL was required but unavailable, or that the
	// TLS wrap of the socket failed.
	Insecurity Code = "--SEC"
	// UnsupportedAuthentication indicates that the backend requested an
	// authentication exchange the frontend does not implement.
	UnsupportedAuthentication Code = "--AUT"
)
