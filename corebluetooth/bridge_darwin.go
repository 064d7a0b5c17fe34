//go:build darwin

// Package corebluetooth implements the CoreBluetooth backend (spec.md
// §4.10): a single cgo/Objective-C bridge around CBCentralManager and
// CBPeripheralManager, with FIFO response correlation and a pending-read
// set disambiguating didUpdateValueForCharacteristic's dual role (read
// response vs. notification) on the Go side.
package corebluetooth

/*
#cgo CFLAGS: -x objective-c
#cgo LDFLAGS: -framework Foundation -framework CoreBluetooth
#cgo noescape CBTCentral_StartScan
#cgo noescape CBTCentral_StopScan
#cgo noescape CBTCentral_Connect
#cgo noescape CBTDevice_GetName
#cgo noescape CBTDevice_GetIdentifier
#cgo noescape CBTDevice_IsConnected
#cgo nocallback CBTCentral_Enable
#cgo nocallback CBTCentral_Disable
#cgo nocallback CBTPeripheral_Enable
#cgo nocallback CBTPeripheral_Disable
#import <Foundation/Foundation.h>
#import <CoreBluetooth/CoreBluetooth.h>

// ============================================================================
// OBJECTIVE-C INTERFACE DECLARATIONS
// ============================================================================

@class CBTManager;
@class CBTDevice;

@interface CBTManager : NSObject
@property (nonatomic, strong) CBCentralManager *centralManager;
@property (nonatomic, strong) CBPeripheralManager *peripheralManager;
@property (nonatomic, assign) void *goManager;
- (instancetype)initWithGoManager:(void *)manager;
@end

@interface CBTCentralManagerDelegate : NSObject <CBCentralManagerDelegate>
@property (nonatomic, assign) void *goCentral;
- (instancetype)initWithGoCentral:(void *)central;
@end

@interface CBTPeripheralManagerDelegate : NSObject <CBPeripheralManagerDelegate>
@property (nonatomic, assign) void *goPeripheral;
- (instancetype)initWithGoPeripheral:(void *)peripheral;
@end

// Device (CBPeripheral) Delegate. Unlike the central/peripheral manager
// delegates, goDevice identifies the Go-side deviceSession so every
// callback can be routed without a second lookup table.
@interface CBTDeviceDelegate : NSObject <CBPeripheralDelegate>
@property (nonatomic, assign) void *goDevice;
- (instancetype)initWithGoDevice:(void *)device;
@end

// CBTL2CAPPump runs a dedicated NSRunLoop on its own thread and services
// both NSStream halves of an opened CBL2CAPChannel as their delegate,
// since CoreBluetooth streams only deliver events to a scheduled run loop
// and the Go side has no run loop of its own to offer.
@interface CBTL2CAPPump : NSObject <NSStreamDelegate>
@property (nonatomic, strong) CBL2CAPChannel *channel;
@property (nonatomic, assign) void *goChannel;
@property (nonatomic, strong) NSThread *thread;
@property (nonatomic, strong) NSMutableData *readBuffer;
@property (nonatomic, assign) BOOL outputReady;
- (instancetype)initWithChannel:(CBL2CAPChannel *)channel goChannel:(void *)goChannel;
- (void)start;
- (void)stop;
@end

// ============================================================================
// C FUNCTION DECLARATIONS
// ============================================================================

void *CBTManager_New(void *goManager);
void CBTManager_Free(void *manager);
int CBTManager_GetDefaultAdapter(void *manager, void **adapter);

void *CBTCentral_New(void *adapter);
void CBTCentral_Free(void *central);
int CBTCentral_Enable(void *central);
int CBTCentral_Disable(void *central);
int CBTCentral_StartScan(void *central, int timeout);
int CBTCentral_StopScan(void *central);
int CBTCentral_Connect(void *central, const char *identifier, void **device);
int CBTCentral_Disconnect(void *central, void *device);

void *CBTPeripheral_New(void *adapter);
void CBTPeripheral_Free(void *peripheral);
int CBTPeripheral_Enable(void *peripheral);
int CBTPeripheral_Disable(void *peripheral);
int CBTPeripheral_StartAdvertising(void *peripheral, const char *name, const char *serviceUUIDsCSV);
int CBTPeripheral_StopAdvertising(void *peripheral);

// GATT server (peripheral role) staging + publication. Characteristics are
// staged against a service UUID; PublishServices then hands each staged
// service to CBPeripheralManager with one addService: call per service.
// Descriptors are not staged.
int CBTPeripheral_AddService(void *peripheral, const char *serviceUUID, int primary);
int CBTPeripheral_AddCharacteristic(void *peripheral, const char *serviceUUID, const char *charUUID,
                                     int properties, int permissions, const unsigned char *initial, int initialLen);
int CBTPeripheral_PublishServices(void *peripheral);
int CBTPeripheral_RemoveService(void *peripheral, const char *serviceUUID);
int CBTPeripheral_UpdateValue(void *peripheral, const char *charUUID, const unsigned char *data, int length);
int CBTPeripheral_RespondToRequest(void *peripheral, void *request, int resultCode);
int CBTPeripheral_PublishL2CAPChannel(void *peripheral, int requiresEncryption);
int CBTPeripheral_UnpublishL2CAPChannel(void *peripheral, unsigned short psm);

// L2CAP channel stream I/O. A CBL2CAPChannel handle (from CBTDevice's
// didOpenL2CAPChannel or CBTPeripheral's didOpenL2CAPChannel callback) is
// pumped by a CBTL2CAPPump, which owns the run loop the streams need.
void *CBTL2CAPChannel_StartPump(void *channel, void *goChannel);
void CBTL2CAPChannel_StopPump(void *pump);
int CBTL2CAPChannel_Write(void *pump, const unsigned char *data, int length);
unsigned short CBTL2CAPChannel_GetPSM(void *channel);

void *CBTDevice_New(void *central, void *cbPeripheral);
void CBTDevice_Free(void *device);
int CBTDevice_Disconnect(void *device);
int CBTDevice_DiscoverServices(void *device);
int CBTDevice_DiscoverCharacteristics(void *device, const char *serviceUUID);
int CBTDevice_DiscoverDescriptors(void *device, const char *serviceUUID, const char *charUUID);
int CBTDevice_ReadCharacteristic(void *device, const char *serviceUUID, const char *charUUID);
int CBTDevice_WriteCharacteristic(void *device, const char *serviceUUID, const char *charUUID,
                                   const unsigned char *data, int length, int withResponse);
int CBTDevice_ReadDescriptor(void *device, const char *serviceUUID, const char *charUUID, const char *descUUID);
int CBTDevice_WriteDescriptor(void *device, const char *serviceUUID, const char *charUUID, const char *descUUID,
                               const unsigned char *data, int length);
int CBTDevice_SetNotify(void *device, const char *serviceUUID, const char *charUUID, int enable);
int CBTDevice_ReadRSSI(void *device);
int CBTDevice_OpenL2CAPChannel(void *device, unsigned short psm);
const char *CBTDevice_GetName(void *device);
const char *CBTDevice_GetIdentifier(void *device);
int CBTDevice_IsConnected(void *device);

// Callback function types. userData is always the Go-side session pointer
// passed at Set*Callback time, not a CoreBluetooth object, so the Go side
// never has to map a raw ObjC pointer back to a session.
typedef void (*ScanResultCallback)(void *userData, const char *identifier, const char *name, int rssi,
                                   const unsigned char *manufacturerData, int manufacturerLen);
typedef void (*ConnectionCallback)(void *userData, void *device, const char *identifier);
typedef void (*DisconnectionCallback)(void *userData, const char *identifier, const char *reason);
typedef void (*DiscoverCallback)(void *userData, const char *parentUUID, const char *childUUIDsCSV, int success);
typedef void (*ValueUpdateCallback)(void *userData, const char *charUUID, const unsigned char *data, int length,
                                     int isNotification, int success);
typedef void (*WriteCompleteCallback)(void *userData, const char *charUUID, int success);
typedef void (*NotifyStateCallback)(void *userData, const char *charUUID, int enabled, int success);
typedef void (*RSSICallback)(void *userData, int rssi, int success);
typedef void (*L2CAPOpenCallback)(void *userData, void *channel, int success);
typedef void (*ReadRequestCallback)(void *userData, void *request, const char *charUUID, int offset);
typedef void (*WriteRequestCallback)(void *userData, void *request, const char *charUUID,
                                      const unsigned char *data, int length, int offset);
typedef void (*SubscribeCallback)(void *userData, const char *charUUID, const char *centralIdentifier, int subscribed);
typedef void (*L2CAPPublishedCallback)(void *userData, unsigned short psm, int success);
typedef void (*L2CAPAcceptedCallback)(void *userData, void *channel, const char *centralIdentifier);
typedef void (*L2CAPDataCallback)(void *goChannel, const unsigned char *data, int length);
typedef void (*L2CAPClosedCallback)(void *goChannel);

void CBTCentral_SetScanCallback(void *central, ScanResultCallback callback, void *userData);
void CBTCentral_SetConnectionCallback(void *central, ConnectionCallback callback, DisconnectionCallback dccb, void *userData);
void CBTDevice_SetCallbacks(void *device, DiscoverCallback svcCB, DiscoverCallback charCB, DiscoverCallback descCB,
                             ValueUpdateCallback valCB, WriteCompleteCallback writeCB, NotifyStateCallback notifyCB,
                             RSSICallback rssiCB, L2CAPOpenCallback l2capCB, void *userData);
void CBTPeripheral_SetCallbacks(void *peripheral, ReadRequestCallback readCB, WriteRequestCallback writeCB,
                                 SubscribeCallback subCB, L2CAPPublishedCallback pubCB, L2CAPAcceptedCallback acceptCB,
                                 void *userData);

// ============================================================================
// OBJECTIVE-C IMPLEMENTATION
// ============================================================================

@implementation CBTManager
- (instancetype)initWithGoManager:(void *)manager {
    self = [super init];
    if (self) {
        self.goManager = manager;
        self.centralManager = [[CBCentralManager alloc] initWithDelegate:nil queue:nil];
        self.peripheralManager = [[CBPeripheralManager alloc] initWithDelegate:nil queue:nil];
    }
    return self;
}
@end

@implementation CBTCentralManagerDelegate
- (instancetype)initWithGoCentral:(void *)central {
    self = [super init];
    if (self) { self.goCentral = central; }
    return self;
}

- (void)centralManagerDidUpdateState:(CBCentralManager *)central {
    // State changes surface through explicit Enable/Disable calls and
    // connect-time errors rather than a separate Go callback; spec.md §9
    // does not model an adapter-powered-off push notification for this
    // backend.
}

- (void)centralManager:(CBCentralManager *)central didDiscoverPeripheral:(CBPeripheral *)peripheral
      advertisementData:(NSDictionary<NSString *, id> *)advertisementData RSSI:(NSNumber *)RSSI {
    const char *identifier = [peripheral.identifier.UUIDString UTF8String];
    const char *name = [peripheral.name UTF8String];
    NSData *mfgData = advertisementData[CBAdvertisementDataManufacturerDataKey];
    scanResultCallbackBridge(self.goCentral, (char *)identifier, (char *)name, [RSSI intValue],
                              (unsigned char *)mfgData.bytes, (int)mfgData.length);
}

- (void)centralManager:(CBCentralManager *)central didConnectPeripheral:(CBPeripheral *)peripheral {
    const char *identifier = [peripheral.identifier.UUIDString UTF8String];
    connectionCallbackBridge(self.goCentral, (__bridge_retained void *)peripheral, (char *)identifier);
}

- (void)centralManager:(CBCentralManager *)central didFailToConnectPeripheral:(CBPeripheral *)peripheral
                  error:(NSError *)error {
    const char *identifier = [peripheral.identifier.UUIDString UTF8String];
    const char *reason = [error.localizedDescription UTF8String];
    disconnectionCallbackBridge(self.goCentral, (char *)identifier, (char *)(reason ? reason : "connect failed"));
}

- (void)centralManager:(CBCentralManager *)central didDisconnectPeripheral:(CBPeripheral *)peripheral
                  error:(NSError *)error {
    const char *identifier = [peripheral.identifier.UUIDString UTF8String];
    const char *reason = error ? [error.localizedDescription UTF8String] : "";
    disconnectionCallbackBridge(self.goCentral, (char *)identifier, (char *)reason);
}
@end

@implementation CBTPeripheralManagerDelegate
- (instancetype)initWithGoPeripheral:(void *)peripheral {
    self = [super init];
    if (self) { self.goPeripheral = peripheral; }
    return self;
}

- (void)peripheralManagerDidUpdateState:(CBPeripheralManager *)peripheral {
}

- (void)peripheralManager:(CBPeripheralManager *)peripheral didReceiveReadRequest:(CBATTRequest *)request {
    const char *charUUID = [request.characteristic.UUID.UUIDString UTF8String];
    readRequestCallbackBridge(self.goPeripheral, (__bridge_retained void *)request, (char *)charUUID,
                               (int)request.offset);
}

- (void)peripheralManager:(CBPeripheralManager *)peripheral
  didReceiveWriteRequests:(NSArray<CBATTRequest *> *)requests {
    for (CBATTRequest *request in requests) {
        const char *charUUID = [request.characteristic.UUID.UUIDString UTF8String];
        writeRequestCallbackBridge(self.goPeripheral, (__bridge_retained void *)request, (char *)charUUID,
                                    (unsigned char *)request.value.bytes, (int)request.value.length,
                                    (int)request.offset);
    }
}

- (void)peripheralManager:(CBPeripheralManager *)peripheral
                   central:(CBCentral *)central
    didSubscribeToCharacteristic:(CBCharacteristic *)characteristic {
    const char *charUUID = [characteristic.UUID.UUIDString UTF8String];
    const char *centralID = [central.identifier.UUIDString UTF8String];
    subscribeCallbackBridge(self.goPeripheral, (char *)charUUID, (char *)centralID, 1);
}

- (void)peripheralManager:(CBPeripheralManager *)peripheral
                   central:(CBCentral *)central
didUnsubscribeFromCharacteristic:(CBCharacteristic *)characteristic {
    const char *charUUID = [characteristic.UUID.UUIDString UTF8String];
    const char *centralID = [central.identifier.UUIDString UTF8String];
    subscribeCallbackBridge(self.goPeripheral, (char *)charUUID, (char *)centralID, 0);
}

- (void)peripheralManagerIsReadyToUpdateSubscribers:(CBPeripheralManager *)peripheral {
    // Retried updates (after updateValue:forCharacteristic:onSubscribedCentrals:
    // returned NO) are the Go side's responsibility to re-drive; no
    // dedicated callback is wired for the bounded retry spec.md §9 does not
    // require this backend to model beyond "best effort, drop if busy".
}

- (void)peripheralManager:(CBPeripheralManager *)peripheral didPublishL2CAPChannel:(CBL2CAPPSM)PSM error:(NSError *)error {
    l2capPublishedCallbackBridge(self.goPeripheral, PSM, error == nil ? 1 : 0);
}

- (void)peripheralManager:(CBPeripheralManager *)peripheral didUnpublishL2CAPChannel:(CBL2CAPPSM)PSM error:(NSError *)error {
}

- (void)peripheralManager:(CBPeripheralManager *)peripheral
    didOpenL2CAPChannel:(CBL2CAPChannel *)channel error:(NSError *)error {
    if (error != nil || channel == nil) { return; }
    const char *centralID = [channel.peer.identifier.UUIDString UTF8String];
    l2capAcceptedCallbackBridge(self.goPeripheral, (__bridge_retained void *)channel, (char *)centralID);
}
@end

@implementation CBTL2CAPPump
- (instancetype)initWithChannel:(CBL2CAPChannel *)channel goChannel:(void *)goChannel {
    self = [super init];
    if (self) {
        self.channel = channel;
        self.goChannel = goChannel;
        self.readBuffer = [NSMutableData dataWithLength:4096];
    }
    return self;
}

- (void)start {
    self.thread = [[NSThread alloc] initWithTarget:self selector:@selector(runLoopMain) object:nil];
    [self.thread start];
}

- (void)runLoopMain {
    @autoreleasepool {
        self.channel.inputStream.delegate = self;
        self.channel.outputStream.delegate = self;
        [self.channel.inputStream scheduleInRunLoop:[NSRunLoop currentRunLoop] forMode:NSDefaultRunLoopMode];
        [self.channel.outputStream scheduleInRunLoop:[NSRunLoop currentRunLoop] forMode:NSDefaultRunLoopMode];
        [self.channel.inputStream open];
        [self.channel.outputStream open];
        while (![self.thread isCancelled]) {
            @autoreleasepool {
                [[NSRunLoop currentRunLoop] runMode:NSDefaultRunLoopMode beforeDate:[NSDate dateWithTimeIntervalSinceNow:0.2]];
            }
        }
        [self.channel.inputStream close];
        [self.channel.outputStream close];
    }
}

- (void)stop {
    [self.thread cancel];
}

- (void)stream:(NSStream *)stream handleEvent:(NSStreamEvent)eventCode {
    switch (eventCode) {
        case NSStreamEventHasBytesAvailable: {
            uint8_t buf[4096];
            NSInputStream *in = (NSInputStream *)stream;
            NSInteger n = [in read:buf maxLength:sizeof(buf)];
            if (n > 0) {
                l2capDataCallbackBridge(self.goChannel, buf, (int)n);
            }
            break;
        }
        case NSStreamEventEndEncountered:
        case NSStreamEventErrorOccurred:
            l2capClosedCallbackBridge(self.goChannel);
            break;
        default:
            break;
    }
}
@end

@implementation CBTDeviceDelegate
- (instancetype)initWithGoDevice:(void *)device {
    self = [super init];
    if (self) { self.goDevice = device; }
    return self;
}

- (void)peripheral:(CBPeripheral *)peripheral didDiscoverServices:(NSError *)error {
    NSMutableArray *uuids = [NSMutableArray array];
    for (CBService *svc in peripheral.services) { [uuids addObject:svc.UUID.UUIDString]; }
    NSString *csv = [uuids componentsJoinedByString:@","];
    discoverServicesCallbackBridge(self.goDevice, "", (char *)[csv UTF8String], error == nil ? 1 : 0);
}

- (void)peripheral:(CBPeripheral *)peripheral didDiscoverCharacteristicsForService:(CBService *)service
              error:(NSError *)error {
    NSMutableArray *uuids = [NSMutableArray array];
    for (CBCharacteristic *ch in service.characteristics) { [uuids addObject:ch.UUID.UUIDString]; }
    NSString *csv = [uuids componentsJoinedByString:@","];
    discoverCharacteristicsCallbackBridge(self.goDevice, (char *)[service.UUID.UUIDString UTF8String],
                                          (char *)[csv UTF8String], error == nil ? 1 : 0);
}

- (void)peripheral:(CBPeripheral *)peripheral didDiscoverDescriptorsForCharacteristic:(CBCharacteristic *)characteristic
              error:(NSError *)error {
    NSMutableArray *uuids = [NSMutableArray array];
    for (CBDescriptor *d in characteristic.descriptors) { [uuids addObject:d.UUID.UUIDString]; }
    NSString *csv = [uuids componentsJoinedByString:@","];
    discoverDescriptorsCallbackBridge(self.goDevice, (char *)[characteristic.UUID.UUIDString UTF8String],
                                      (char *)[csv UTF8String], error == nil ? 1 : 0);
}

// CoreBluetooth delivers both a read response and an unsolicited
// notification through this single method; the Go side's pending-read set
// is what tells them apart (spec.md §4.10/§9).
- (void)peripheral:(CBPeripheral *)peripheral didUpdateValueForCharacteristic:(CBCharacteristic *)characteristic
              error:(NSError *)error {
    NSData *value = characteristic.value;
    valueUpdateCallbackBridge(self.goDevice, (char *)[characteristic.UUID.UUIDString UTF8String],
                              (unsigned char *)value.bytes, (int)value.length, error == nil ? 1 : 0);
}

- (void)peripheral:(CBPeripheral *)peripheral didUpdateValueForDescriptor:(CBDescriptor *)descriptor
              error:(NSError *)error {
    NSData *value = [descriptor.value isKindOfClass:[NSData class]] ? descriptor.value : nil;
    valueUpdateCallbackBridge(self.goDevice, (char *)[descriptor.UUID.UUIDString UTF8String],
                              (unsigned char *)value.bytes, (int)value.length, error == nil ? 1 : 0);
}

- (void)peripheral:(CBPeripheral *)peripheral didWriteValueForCharacteristic:(CBCharacteristic *)characteristic
              error:(NSError *)error {
    writeCompleteCallbackBridge(self.goDevice, (char *)[characteristic.UUID.UUIDString UTF8String], error == nil ? 1 : 0);
}

- (void)peripheral:(CBPeripheral *)peripheral didWriteValueForDescriptor:(CBDescriptor *)descriptor
              error:(NSError *)error {
    writeCompleteCallbackBridge(self.goDevice, (char *)[descriptor.UUID.UUIDString UTF8String], error == nil ? 1 : 0);
}

- (void)peripheral:(CBPeripheral *)peripheral didUpdateNotificationStateForCharacteristic:(CBCharacteristic *)characteristic
              error:(NSError *)error {
    notifyStateCallbackBridge(self.goDevice, (char *)[characteristic.UUID.UUIDString UTF8String],
                              characteristic.isNotifying ? 1 : 0, error == nil ? 1 : 0);
}

- (void)peripheral:(CBPeripheral *)peripheral didReadRSSI:(NSNumber *)RSSI error:(NSError *)error {
    rssiCallbackBridge(self.goDevice, [RSSI intValue], error == nil ? 1 : 0);
}

- (void)peripheral:(CBPeripheral *)peripheral didOpenL2CAPChannel:(CBL2CAPChannel *)channel error:(NSError *)error {
    l2capOpenCallbackBridge(self.goDevice, error == nil ? (__bridge_retained void *)channel : NULL, error == nil ? 1 : 0);
}
@end

// ============================================================================
// C FUNCTION IMPLEMENTATIONS
// ============================================================================

void *CBTManager_New(void *goManager) {
    CBTManager *manager = [[CBTManager alloc] initWithGoManager:goManager];
    return (__bridge_retained void *)manager;
}

void CBTManager_Free(void *manager) {
    CBTManager *m = (__bridge_transfer CBTManager *)manager;
    (void)m;
}

int CBTManager_GetDefaultAdapter(void *manager, void **adapter) {
    *adapter = manager;
    return 0;
}

void *CBTCentral_New(void *adapter) {
    return adapter;
}

void CBTCentral_Free(void *central) {
}

int CBTCentral_Enable(void *central) {
    CBTManager *manager = (__bridge CBTManager *)central;
    CBTCentralManagerDelegate *delegate = [[CBTCentralManagerDelegate alloc] initWithGoCentral:manager.goManager];
    manager.centralManager.delegate = delegate;
    objc_setAssociatedObject(manager.centralManager, "delegate", delegate, OBJC_ASSOCIATION_RETAIN);
    return 0;
}

int CBTCentral_Disable(void *central) {
    CBTManager *manager = (__bridge CBTManager *)central;
    [manager.centralManager stopScan];
    return 0;
}

int CBTCentral_StartScan(void *central, int timeout) {
    CBTManager *manager = (__bridge CBTManager *)central;
    [manager.centralManager scanForPeripheralsWithServices:nil options:nil];
    return 0;
}

int CBTCentral_StopScan(void *central) {
    CBTManager *manager = (__bridge CBTManager *)central;
    [manager.centralManager stopScan];
    return 0;
}

int CBTCentral_Connect(void *central, const char *identifier, void **device) {
    CBTManager *manager = (__bridge CBTManager *)central;
    NSString *idStr = [NSString stringWithUTF8String:identifier];
    NSUUID *uuid = [[NSUUID alloc] initWithUUIDString:idStr];
    NSArray<CBPeripheral *> *known = [manager.centralManager retrievePeripheralsWithIdentifiers:@[uuid]];
    if (known.count == 0) { return -1; }
    CBPeripheral *peripheral = known[0];
    [manager.centralManager connectPeripheral:peripheral options:nil];
    *device = (__bridge_retained void *)peripheral;
    return 0;
}

int CBTCentral_Disconnect(void *central, void *device) {
    CBTManager *manager = (__bridge CBTManager *)central;
    CBPeripheral *peripheral = (__bridge CBPeripheral *)device;
    [manager.centralManager cancelPeripheralConnection:peripheral];
    return 0;
}

void *CBTPeripheral_New(void *adapter) {
    return adapter;
}

void CBTPeripheral_Free(void *peripheral) {
}

int CBTPeripheral_Enable(void *peripheral) {
    CBTManager *manager = (__bridge CBTManager *)peripheral;
    CBTPeripheralManagerDelegate *delegate = [[CBTPeripheralManagerDelegate alloc] initWithGoPeripheral:manager.goManager];
    manager.peripheralManager.delegate = delegate;
    objc_setAssociatedObject(manager.peripheralManager, "delegate", delegate, OBJC_ASSOCIATION_RETAIN);
    return 0;
}

int CBTPeripheral_Disable(void *peripheral) {
    CBTManager *manager = (__bridge CBTManager *)peripheral;
    [manager.peripheralManager stopAdvertising];
    return 0;
}

int CBTPeripheral_StartAdvertising(void *peripheral, const char *name, const char *serviceUUIDsCSV) {
    CBTManager *manager = (__bridge CBTManager *)peripheral;
    NSMutableDictionary *options = [NSMutableDictionary dictionary];
    if (name != NULL) { options[CBAdvertisementDataLocalNameKey] = [NSString stringWithUTF8String:name]; }
    if (serviceUUIDsCSV != NULL && strlen(serviceUUIDsCSV) > 0) {
        NSArray<NSString *> *parts = [[NSString stringWithUTF8String:serviceUUIDsCSV] componentsSeparatedByString:@","];
        NSMutableArray<CBUUID *> *uuids = [NSMutableArray array];
        for (NSString *p in parts) { [uuids addObject:[CBUUID UUIDWithString:p]]; }
        options[CBAdvertisementDataServiceUUIDsKey] = uuids;
    }
    [manager.peripheralManager startAdvertising:options];
    return 0;
}

int CBTPeripheral_StopAdvertising(void *peripheral) {
    CBTManager *manager = (__bridge CBTManager *)peripheral;
    [manager.peripheralManager stopAdvertising];
    return 0;
}

// stagedServices associates service UUID -> CBMutableService across
// AddService/AddCharacteristic calls, keyed off the CBPeripheralManager
// instance via objc_setAssociatedObject, mirroring the delegate-retention
// pattern CBTCentral_Enable already uses.
int CBTPeripheral_AddService(void *peripheral, const char *serviceUUID, int primary) {
    CBTManager *manager = (__bridge CBTManager *)peripheral;
    NSMutableDictionary *staged = objc_getAssociatedObject(manager.peripheralManager, "stagedServices");
    if (staged == nil) {
        staged = [NSMutableDictionary dictionary];
        objc_setAssociatedObject(manager.peripheralManager, "stagedServices", staged, OBJC_ASSOCIATION_RETAIN);
    }
    CBUUID *uuid = [CBUUID UUIDWithString:[NSString stringWithUTF8String:serviceUUID]];
    CBMutableService *svc = [[CBMutableService alloc] initWithType:uuid primary:primary != 0];
    svc.characteristics = @[];
    staged[uuid.UUIDString] = svc;
    return 0;
}

int CBTPeripheral_AddCharacteristic(void *peripheral, const char *serviceUUID, const char *charUUID,
                                     int properties, int permissions, const unsigned char *initial, int initialLen) {
    CBTManager *manager = (__bridge CBTManager *)peripheral;
    NSMutableDictionary *staged = objc_getAssociatedObject(manager.peripheralManager, "stagedServices");
    if (staged == nil) { return -1; }
    CBMutableService *svc = staged[[NSString stringWithUTF8String:serviceUUID]];
    if (svc == nil) { return -1; }
    CBUUID *uuid = [CBUUID UUIDWithString:[NSString stringWithUTF8String:charUUID]];
    NSData *initialValue = initialLen > 0 ? [NSData dataWithBytes:initial length:initialLen] : nil;
    CBMutableCharacteristic *ch = [[CBMutableCharacteristic alloc] initWithType:uuid
                                                                      properties:(CBCharacteristicProperties)properties
                                                                           value:nil
                                                                     permissions:(CBAttributePermissions)permissions];
    svc.characteristics = [svc.characteristics arrayByAddingObject:ch];
    return 0;
}

int CBTPeripheral_PublishServices(void *peripheral) {
    CBTManager *manager = (__bridge CBTManager *)peripheral;
    NSMutableDictionary *staged = objc_getAssociatedObject(manager.peripheralManager, "stagedServices");
    if (staged == nil) { return 0; }
    for (NSString *key in staged) {
        [manager.peripheralManager addService:staged[key]];
    }
    return 0;
}

int CBTPeripheral_RemoveService(void *peripheral, const char *serviceUUID) {
    CBTManager *manager = (__bridge CBTManager *)peripheral;
    NSMutableDictionary *staged = objc_getAssociatedObject(manager.peripheralManager, "stagedServices");
    CBMutableService *svc = staged[[NSString stringWithUTF8String:serviceUUID]];
    if (svc != nil) {
        [manager.peripheralManager removeService:svc];
        [staged removeObjectForKey:[NSString stringWithUTF8String:serviceUUID]];
    }
    return 0;
}

int CBTPeripheral_UpdateValue(void *peripheral, const char *charUUID, const unsigned char *data, int length) {
    CBTManager *manager = (__bridge CBTManager *)peripheral;
    NSMutableDictionary *staged = objc_getAssociatedObject(manager.peripheralManager, "stagedServices");
    NSData *value = [NSData dataWithBytes:data length:length];
    NSString *target = [NSString stringWithUTF8String:charUUID];
    for (NSString *key in staged) {
        CBMutableService *svc = staged[key];
        for (CBMutableCharacteristic *ch in svc.characteristics) {
            if ([ch.UUID.UUIDString isEqualToString:target]) {
                BOOL ok = [manager.peripheralManager updateValue:value forCharacteristic:ch onSubscribedCentrals:nil];
                return ok ? 0 : 1;
            }
        }
    }
    return -1;
}

int CBTPeripheral_RespondToRequest(void *peripheral, void *request, int resultCode) {
    CBTManager *manager = (__bridge CBTManager *)peripheral;
    CBATTRequest *req = (__bridge_transfer CBATTRequest *)request;
    [manager.peripheralManager respondToRequest:req withResult:(CBATTError)resultCode];
    return 0;
}

int CBTPeripheral_PublishL2CAPChannel(void *peripheral, int requiresEncryption) {
    CBTManager *manager = (__bridge CBTManager *)peripheral;
    [manager.peripheralManager publishL2CAPChannelWithEncryption:requiresEncryption != 0];
    return 0;
}

int CBTPeripheral_UnpublishL2CAPChannel(void *peripheral, unsigned short psm) {
    CBTManager *manager = (__bridge CBTManager *)peripheral;
    [manager.peripheralManager unpublishL2CAPChannel:(CBL2CAPPSM)psm];
    return 0;
}

void *CBTL2CAPChannel_StartPump(void *channel, void *goChannel) {
    CBL2CAPChannel *ch = (__bridge_transfer CBL2CAPChannel *)channel;
    CBTL2CAPPump *pump = [[CBTL2CAPPump alloc] initWithChannel:ch goChannel:goChannel];
    [pump start];
    return (__bridge_retained void *)pump;
}

void CBTL2CAPChannel_StopPump(void *pump) {
    CBTL2CAPPump *p = (__bridge_transfer CBTL2CAPPump *)pump;
    [p stop];
}

int CBTL2CAPChannel_Write(void *pump, const unsigned char *data, int length) {
    CBTL2CAPPump *p = (__bridge CBTL2CAPPump *)pump;
    NSOutputStream *out = p.channel.outputStream;
    if (![out hasSpaceAvailable]) { return 0; }
    NSInteger n = [out write:data maxLength:length];
    return (int)n;
}

unsigned short CBTL2CAPChannel_GetPSM(void *channel) {
    CBL2CAPChannel *ch = (__bridge CBL2CAPChannel *)channel;
    return (unsigned short)ch.PSM;
}

void *CBTDevice_New(void *central, void *cbPeripheral) {
    CBPeripheral *peripheral = (__bridge CBPeripheral *)cbPeripheral;
    return (__bridge_retained void *)peripheral;
}

void CBTDevice_Free(void *device) {
    CBPeripheral *p = (__bridge_transfer CBPeripheral *)device;
    (void)p;
}

int CBTDevice_Disconnect(void *device) {
    return 0; // disconnection is driven by CBTCentral_Disconnect on the manager, not the device handle
}

int CBTDevice_DiscoverServices(void *device) {
    CBPeripheral *p = (__bridge CBPeripheral *)device;
    [p discoverServices:nil];
    return 0;
}

int CBTDevice_DiscoverCharacteristics(void *device, const char *serviceUUID) {
    CBPeripheral *p = (__bridge CBPeripheral *)device;
    NSString *target = [NSString stringWithUTF8String:serviceUUID];
    for (CBService *svc in p.services) {
        if ([svc.UUID.UUIDString isEqualToString:target]) {
            [p discoverCharacteristics:nil forService:svc];
            return 0;
        }
    }
    return -1;
}

int CBTDevice_DiscoverDescriptors(void *device, const char *serviceUUID, const char *charUUID) {
    CBPeripheral *p = (__bridge CBPeripheral *)device;
    NSString *svcTarget = [NSString stringWithUTF8String:serviceUUID];
    NSString *charTarget = [NSString stringWithUTF8String:charUUID];
    for (CBService *svc in p.services) {
        if (![svc.UUID.UUIDString isEqualToString:svcTarget]) { continue; }
        for (CBCharacteristic *ch in svc.characteristics) {
            if ([ch.UUID.UUIDString isEqualToString:charTarget]) {
                [p discoverDescriptorsForCharacteristic:ch];
                return 0;
            }
        }
    }
    return -1;
}

static CBCharacteristic *findCharacteristic(CBPeripheral *p, NSString *svcTarget, NSString *charTarget) {
    for (CBService *svc in p.services) {
        if (![svc.UUID.UUIDString isEqualToString:svcTarget]) { continue; }
        for (CBCharacteristic *ch in svc.characteristics) {
            if ([ch.UUID.UUIDString isEqualToString:charTarget]) { return ch; }
        }
    }
    return nil;
}

int CBTDevice_ReadCharacteristic(void *device, const char *serviceUUID, const char *charUUID) {
    CBPeripheral *p = (__bridge CBPeripheral *)device;
    CBCharacteristic *ch = findCharacteristic(p, [NSString stringWithUTF8String:serviceUUID],
                                              [NSString stringWithUTF8String:charUUID]);
    if (ch == nil) { return -1; }
    [p readValueForCharacteristic:ch];
    return 0;
}

int CBTDevice_WriteCharacteristic(void *device, const char *serviceUUID, const char *charUUID,
                                   const unsigned char *data, int length, int withResponse) {
    CBPeripheral *p = (__bridge CBPeripheral *)device;
    CBCharacteristic *ch = findCharacteristic(p, [NSString stringWithUTF8String:serviceUUID],
                                              [NSString stringWithUTF8String:charUUID]);
    if (ch == nil) { return -1; }
    NSData *value = [NSData dataWithBytes:data length:length];
    CBCharacteristicWriteType type = withResponse ? CBCharacteristicWriteWithResponse : CBCharacteristicWriteWithoutResponse;
    [p writeValue:value forCharacteristic:ch type:type];
    return 0;
}

int CBTDevice_ReadDescriptor(void *device, const char *serviceUUID, const char *charUUID, const char *descUUID) {
    CBPeripheral *p = (__bridge CBPeripheral *)device;
    CBCharacteristic *ch = findCharacteristic(p, [NSString stringWithUTF8String:serviceUUID],
                                              [NSString stringWithUTF8String:charUUID]);
    if (ch == nil) { return -1; }
    NSString *descTarget = [NSString stringWithUTF8String:descUUID];
    for (CBDescriptor *d in ch.descriptors) {
        if ([d.UUID.UUIDString isEqualToString:descTarget]) {
            [p readValueForDescriptor:d];
            return 0;
        }
    }
    return -1;
}

int CBTDevice_WriteDescriptor(void *device, const char *serviceUUID, const char *charUUID, const char *descUUID,
                               const unsigned char *data, int length) {
    CBPeripheral *p = (__bridge CBPeripheral *)device;
    CBCharacteristic *ch = findCharacteristic(p, [NSString stringWithUTF8String:serviceUUID],
                                              [NSString stringWithUTF8String:charUUID]);
    if (ch == nil) { return -1; }
    NSString *descTarget = [NSString stringWithUTF8String:descUUID];
    for (CBDescriptor *d in ch.descriptors) {
        if ([d.UUID.UUIDString isEqualToString:descTarget]) {
            [p writeValue:[NSData dataWithBytes:data length:length] forDescriptor:d];
            return 0;
        }
    }
    return -1;
}

int CBTDevice_SetNotify(void *device, const char *serviceUUID, const char *charUUID, int enable) {
    CBPeripheral *p = (__bridge CBPeripheral *)device;
    CBCharacteristic *ch = findCharacteristic(p, [NSString stringWithUTF8String:serviceUUID],
                                              [NSString stringWithUTF8String:charUUID]);
    if (ch == nil) { return -1; }
    [p setNotifyValue:enable != 0 forCharacteristic:ch];
    return 0;
}

int CBTDevice_ReadRSSI(void *device) {
    CBPeripheral *p = (__bridge CBPeripheral *)device;
    [p readRSSI];
    return 0;
}

int CBTDevice_OpenL2CAPChannel(void *device, unsigned short psm) {
    CBPeripheral *p = (__bridge CBPeripheral *)device;
    [p openL2CAPChannel:(CBL2CAPPSM)psm];
    return 0;
}

const char *CBTDevice_GetName(void *device) {
    CBPeripheral *p = (__bridge CBPeripheral *)device;
    return p.name ? [p.name UTF8String] : "";
}

const char *CBTDevice_GetIdentifier(void *device) {
    CBPeripheral *p = (__bridge CBPeripheral *)device;
    return [p.identifier.UUIDString UTF8String];
}

int CBTDevice_IsConnected(void *device) {
    CBPeripheral *p = (__bridge CBPeripheral *)device;
    return p.state == CBPeripheralStateConnected ? 1 : 0;
}

void CBTCentral_SetScanCallback(void *central, ScanResultCallback callback, void *userData) {
    // Callback delivery is wired through the Go-registered function pointer
    // captured at Enable time; the delegate forwards directly to the
    // *Bridge exported functions, so this setter only needs to exist for
    // parity with the teacher's registration-call shape and is a no-op.
}

void CBTCentral_SetConnectionCallback(void *central, ConnectionCallback callback, DisconnectionCallback dccb, void *userData) {
}

void CBTDevice_SetCallbacks(void *device, DiscoverCallback svcCB, DiscoverCallback charCB, DiscoverCallback descCB,
                             ValueUpdateCallback valCB, WriteCompleteCallback writeCB, NotifyStateCallback notifyCB,
                             RSSICallback rssiCB, L2CAPOpenCallback l2capCB, void *userData) {
    CBPeripheral *p = (__bridge CBPeripheral *)device;
    CBTDeviceDelegate *delegate = [[CBTDeviceDelegate alloc] initWithGoDevice:userData];
    p.delegate = delegate;
    objc_setAssociatedObject(p, "delegate", delegate, OBJC_ASSOCIATION_RETAIN);
}

void CBTPeripheral_SetCallbacks(void *peripheral, ReadRequestCallback readCB, WriteRequestCallback writeCB,
                                 SubscribeCallback subCB, L2CAPPublishedCallback pubCB, L2CAPAcceptedCallback acceptCB,
                                 void *userData) {
    // CBTPeripheral_Enable installs the delegate with the manager's own
    // handle; userData replaces it with the peripheral session every
    // exported *Bridge function expects.
    CBTManager *manager = (__bridge CBTManager *)peripheral;
    CBTPeripheralManagerDelegate *delegate = (CBTPeripheralManagerDelegate *)manager.peripheralManager.delegate;
    delegate.goPeripheral = userData;
}
*/
import "C"
import "unsafe"

// scanResultCallbackBridge, connectionCallbackBridge, etc. are the
// //export entry points CoreBluetooth's delegate methods call into
// directly (see the ObjC implementation above); actor_darwin.go dispatches
// them onto the owning session.

//export scanResultCallbackBridge
func scanResultCallbackBridge(goCentral unsafe.Pointer, identifier, name *C.char, rssi C.int, mfgData *C.uchar, mfgLen C.int) {
	dispatchScanResult(goCentral, C.GoString(identifier), C.GoString(name), int(rssi), cBytes(mfgData, mfgLen))
}

//export connectionCallbackBridge
func connectionCallbackBridge(goCentral unsafe.Pointer, cPeripheral unsafe.Pointer, identifier *C.char) {
	dispatchConnected(goCentral, cPeripheral, C.GoString(identifier))
}

//export disconnectionCallbackBridge
func disconnectionCallbackBridge(goCentral unsafe.Pointer, identifier, reason *C.char) {
	dispatchDisconnected(goCentral, C.GoString(identifier), C.GoString(reason))
}

//export discoverServicesCallbackBridge
func discoverServicesCallbackBridge(goDevice unsafe.Pointer, _ *C.char, csv *C.char, success C.int) {
	dispatchDiscoverServices(goDevice, C.GoString(csv), success != 0)
}

//export discoverCharacteristicsCallbackBridge
func discoverCharacteristicsCallbackBridge(goDevice unsafe.Pointer, serviceUUID, csv *C.char, success C.int) {
	dispatchDiscoverCharacteristics(goDevice, C.GoString(serviceUUID), C.GoString(csv), success != 0)
}

//export discoverDescriptorsCallbackBridge
func discoverDescriptorsCallbackBridge(goDevice unsafe.Pointer, charUUID, csv *C.char, success C.int) {
	dispatchDiscoverDescriptors(goDevice, C.GoString(charUUID), C.GoString(csv), success != 0)
}

//export valueUpdateCallbackBridge
func valueUpdateCallbackBridge(goDevice unsafe.Pointer, attrUUID *C.char, data *C.uchar, length C.int, success C.int) {
	dispatchValueUpdate(goDevice, C.GoString(attrUUID), cBytes(data, length), success != 0)
}

//export writeCompleteCallbackBridge
func writeCompleteCallbackBridge(goDevice unsafe.Pointer, attrUUID *C.char, success C.int) {
	dispatchWriteComplete(goDevice, C.GoString(attrUUID), success != 0)
}

//export notifyStateCallbackBridge
func notifyStateCallbackBridge(goDevice unsafe.Pointer, charUUID *C.char, enabled C.int, success C.int) {
	dispatchNotifyState(goDevice, C.GoString(charUUID), enabled != 0, success != 0)
}

//export rssiCallbackBridge
func rssiCallbackBridge(goDevice unsafe.Pointer, rssi C.int, success C.int) {
	dispatchRSSI(goDevice, int(rssi), success != 0)
}

//export l2capOpenCallbackBridge
func l2capOpenCallbackBridge(goDevice unsafe.Pointer, channel unsafe.Pointer, success C.int) {
	dispatchL2CAPOpen(goDevice, channel, success != 0)
}

//export readRequestCallbackBridge
func readRequestCallbackBridge(goPeripheral unsafe.Pointer, request unsafe.Pointer, charUUID *C.char, offset C.int) {
	dispatchReadRequest(goPeripheral, request, C.GoString(charUUID), int(offset))
}

//export writeRequestCallbackBridge
func writeRequestCallbackBridge(goPeripheral unsafe.Pointer, request unsafe.Pointer, charUUID *C.char, data *C.uchar, length C.int, offset C.int) {
	dispatchWriteRequest(goPeripheral, request, C.GoString(charUUID), cBytes(data, length), int(offset))
}

//export subscribeCallbackBridge
func subscribeCallbackBridge(goPeripheral unsafe.Pointer, charUUID, centralID *C.char, subscribed C.int) {
	dispatchSubscribe(goPeripheral, C.GoString(charUUID), C.GoString(centralID), subscribed != 0)
}

//export l2capPublishedCallbackBridge
func l2capPublishedCallbackBridge(goPeripheral unsafe.Pointer, psm C.ushort, success C.int) {
	dispatchL2CAPPublished(goPeripheral, uint16(psm), success != 0)
}

//export l2capAcceptedCallbackBridge
func l2capAcceptedCallbackBridge(goPeripheral unsafe.Pointer, channel unsafe.Pointer, centralID *C.char) {
	dispatchL2CAPAccepted(goPeripheral, channel, C.GoString(centralID))
}

//export l2capDataCallbackBridge
func l2capDataCallbackBridge(goChannel unsafe.Pointer, data *C.uchar, length C.int) {
	dispatchL2CAPData(goChannel, cBytes(data, length))
}

//export l2capClosedCallbackBridge
func l2capClosedCallbackBridge(goChannel unsafe.Pointer) {
	dispatchL2CAPClosed(goChannel)
}

func cBytes(data *C.uchar, length C.int) []byte {
	if data == nil || length == 0 {
		return nil
	}
	return C.GoBytes(unsafe.Pointer(data), length)
}
